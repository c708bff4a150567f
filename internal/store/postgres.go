package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

// Postgres is the durable Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	team_id    TEXT,
	agent_id   TEXT,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id);

CREATE TABLE IF NOT EXISTS messages (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_kind     TEXT NOT NULL,
	sender_id       TEXT,
	sender_name     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	fallback_type   TEXT,
	fallback_reason TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (sender_kind <> 'system' OR sender_id IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS memory_fragments (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	kind            TEXT NOT NULL,
	content         TEXT NOT NULL,
	importance      SMALLINT NOT NULL CHECK (importance BETWEEN 1 AND 10),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fragments_conversation ON memory_fragments(conversation_id);
`

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// EnsureConversation relies on ON CONFLICT DO NOTHING, so concurrent callers
// race on the primary key rather than on a read.
func (s *Postgres) EnsureConversation(ctx context.Context, c model.Conversation) (model.Conversation, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, project_id, team_id, agent_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.ProjectID, nullable(c.TeamID), nullable(c.AgentID), string(c.Kind),
	)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	stored, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		return model.Conversation{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, team_id, agent_id, kind, created_at
		FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Postgres) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, team_id, agent_id, kind, created_at
		FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendMessage(ctx context.Context, m model.Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = nowUTC()
	}
	var fbType, fbReason *string
	if m.Fallback != nil {
		t := string(m.Fallback.Type)
		fbType, fbReason = &t, &m.Fallback.Reason
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_kind, sender_id, sender_name, content, fallback_type, fallback_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, string(m.SenderKind), m.SenderID, m.SenderName, m.Content, fbType, fbReason, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Postgres) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sender_kind, sender_id, sender_name, content, fallback_type, fallback_reason, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`, conversationID, lim)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m                model.Message
			kind             string
			fbType, fbReason *string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &kind, &m.SenderID, &m.SenderName, &m.Content, &fbType, &fbReason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderKind = model.SenderKind(kind)
		if fbType != nil {
			m.Fallback = &model.Fallback{Type: model.FallbackType(*fbType), Reason: deref(fbReason)}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendFragment(ctx context.Context, f model.Fragment) error {
	if err := validateFragment(f); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_fragments (id, conversation_id, kind, content, importance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.ConversationID, string(f.Kind), f.Content, f.Importance, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	return nil
}

func (s *Postgres) FragmentConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT conversation_id FROM memory_fragments ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("list fragment conversations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Postgres) FragmentsByConversation(ctx context.Context, conversationIDs ...string) ([]model.Fragment, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, kind, content, importance, created_at
		FROM memory_fragments WHERE conversation_id = ANY($1)`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var out []model.Fragment
	for rows.Next() {
		var (
			f    model.Fragment
			kind string
		)
		if err := rows.Scan(&f.ID, &f.ConversationID, &kind, &f.Content, &f.Importance, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.Kind = model.FragmentKind(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var (
		c               model.Conversation
		teamID, agentID *string
		kind            string
		createdAt       time.Time
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &teamID, &agentID, &kind, &createdAt); err != nil {
		return model.Conversation{}, err
	}
	c.TeamID = deref(teamID)
	c.AgentID = deref(agentID)
	c.Kind = convid.Kind(kind)
	c.CreatedAt = createdAt.UTC()
	return c, nil
}
