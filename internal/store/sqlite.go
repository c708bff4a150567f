package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

// SQLite is a single-file durable Store.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at dbPath and migrates it.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		team_id    TEXT,
		agent_id   TEXT,
		kind       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_kind     TEXT NOT NULL,
		sender_id       TEXT,
		sender_name     TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		fallback_type   TEXT,
		fallback_reason TEXT,
		created_at      TEXT NOT NULL,
		CHECK (sender_kind <> 'system' OR sender_id IS NULL)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS memory_fragments (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		kind            TEXT NOT NULL,
		content         TEXT NOT NULL,
		importance      INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 10),
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_conversation ON memory_fragments(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) EnsureConversation(ctx context.Context, c model.Conversation) (model.Conversation, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, project_id, team_id, agent_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, nullable(c.TeamID), nullable(c.AgentID), string(c.Kind), formatTime(nowUTC()),
	)
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	stored, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		return model.Conversation{}, false, err
	}
	return stored, n == 1, nil
}

func (s *SQLite) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, team_id, agent_id, kind, created_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanSQLiteConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLite) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, team_id, agent_id, kind, created_at
		FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendMessage(ctx context.Context, m model.Message) error {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_kind, sender_id, sender_name, content, fallback_type, fallback_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.SenderKind), m.SenderID, m.SenderName, m.Content, fbType, fbReason, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLite) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_kind, sender_id, sender_name, content, fallback_type, fallback_reason, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		)
		ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m                          model.Message
			kind, createdAt            string
			senderID, fbType, fbReason sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &kind, &senderID, &m.SenderName, &m.Content, &fbType, &fbReason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderKind = model.SenderKind(kind)
		if senderID.Valid {
			id := senderID.String
			m.SenderID = &id
		}
		if fbType.Valid {
			m.Fallback = &model.Fallback{Type: model.FallbackType(fbType.String), Reason: fbReason.String}
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendFragment(ctx context.Context, f model.Fragment) error {
	if err := validateFragment(f); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_fragments (id, conversation_id, kind, content, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.ConversationID, string(f.Kind), f.Content, f.Importance, formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	return nil
}

func (s *SQLite) FragmentConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM memory_fragments ORDER BY conversation_id`)
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

func (s *SQLite) FragmentsByConversation(ctx context.Context, conversationIDs ...string) ([]model.Fragment, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(conversationIDs)), ",")
	args := make([]any, len(conversationIDs))
	for i, id := range conversationIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, content, importance, created_at
		FROM memory_fragments WHERE conversation_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var out []model.Fragment
	for rows.Next() {
		var (
			f               model.Fragment
			kind, createdAt string
		)
		if err := rows.Scan(&f.ID, &f.ConversationID, &kind, &f.Content, &f.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.Kind = model.FragmentKind(kind)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (model.Conversation, error) {
	var (
		c               model.Conversation
		teamID, agentID sql.NullString
		kind, createdAt string
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &teamID, &agentID, &kind, &createdAt); err != nil {
		return model.Conversation{}, err
	}
	c.TeamID = teamID.String
	c.AgentID = agentID.String
	c.Kind = convid.Kind(kind)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
