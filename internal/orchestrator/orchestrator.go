// Package orchestrator drives one conversation turn from a validated envelope
// to exactly one persisted response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/switchboard/internal/authority"
	"github.com/MikeSquared-Agency/switchboard/internal/conversation"
	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/extractor"
	"github.com/MikeSquared-Agency/switchboard/internal/hermes"
	"github.com/MikeSquared-Agency/switchboard/internal/inflight"
	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/memory"
	"github.com/MikeSquared-Agency/switchboard/internal/metrics"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/protocol"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

// Apology is persisted when every candidate speaker failed to generate.
const Apology = "Sorry, I couldn't finish a response just now. Please try sending your message again."

const (
	systemName         = "System"
	contextImportance  = 5
	contextSnippetLen  = 600
	extractionDeadline = 90 * time.Second
)

// Broadcaster fans an event out to every connection following a conversation.
type Broadcaster interface {
	Broadcast(conversationID string, event any)
}

// Options tune a turn. Zero values fall back to the defaults in New.
type Options struct {
	MaxHandoffs  int
	HistoryLimit int
	MemoryLimit  int
	// InstanceID tags hermes events so other instances can tell ours apart.
	InstanceID string
}

// Deps are the collaborators of an Orchestrator. Extractor, Events, Hub and
// Metrics are optional.
type Deps struct {
	Conversations *conversation.Service
	Messages      store.Messages
	Directory     *roster.Directory
	Memory        *memory.Engine
	Guard         inflight.Guard
	Generator     Generator
	Checker       *invariant.Checker
	Extractor     *extractor.Extractor
	Events        *hermes.Emitter
	Hub           Broadcaster
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Orchestrator struct {
	Deps
	opts Options
	now  func() time.Time

	// background tracks async memory extraction.
	background sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 10
	}
	if opts.MaxHandoffs < 0 {
		opts.MaxHandoffs = 0
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	return &Orchestrator{Deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Wait blocks until background extraction jobs finish.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// turnState is what the speak step hands to persistence.
type turnState struct {
	messageID string
	decision  authority.Decision
	speaker   roster.Agent // zero for the system speaker
	content   string
	// generated is false for notices and the apology.
	generated bool
	failed    bool
}

// HandleTurn runs the turn pipeline. Client-facing outcomes (busy, cancelled,
// generation failure) are sent to sink and return nil; a returned error means
// the turn aborted and the caller should send protocol.ErrorFrom(err).
func (o *Orchestrator) HandleTurn(ctx context.Context, turn protocol.Turn, sink protocol.Sink) error {
	id := turn.ID
	convID := id.String()
	logger := o.Logger.With("conversation_id", convID)

	// Bootstrap comes first, ahead of every early return below.
	conv, err := o.Conversations.EnsureExists(ctx, id)
	if err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return err
	}
	// A record owned by another reading of the same id string must not
	// receive this turn's messages or memory.
	if err := o.Checker.Routing(id, conv); err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return err
	}
	scope := roster.ScopeOf(id)

	release, err := o.Guard.Acquire(ctx, convID)
	if err != nil {
		return o.rejectAcquire(ctx, convID, sink, logger, err)
	}
	defer release()

	projectRoster, err := o.Directory.ProjectRoster(ctx, id.ProjectID)
	if err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return err
	}

	if err := o.Checker.ConversationExists(ctx, o.Conversations, convID); err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return err
	}
	userMsg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderKind:     model.SenderUser,
		Content:        turn.Content,
		CreatedAt:      o.now(),
	}
	if turn.SenderID != "" {
		sender := turn.SenderID
		userMsg.SenderID = &sender
	}
	if err := o.Messages.AppendMessage(ctx, userMsg); err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return fmt.Errorf("persist user message: %w", err)
	}
	o.publish(userMsg, sink)

	scopeRoster := roster.FilterScope(projectRoster, scope)
	decision := authority.Decide(scope, scopeRoster, projectRoster, turn.Addressee)
	o.Metrics.RecordDecision(decision.Label())
	logger.Info("speaker decided",
		"decision", decision.Label(),
		"detail", decision.Detail,
		"scope_agents", len(scopeRoster),
		"project_agents", len(projectRoster),
	)

	st := o.speak(ctx, sink, logger, decision, id, scopeRoster, userMsg)

	if ctx.Err() != nil {
		logger.Info("turn cancelled", "message_id", st.messageID)
		o.Metrics.RecordTurn(metrics.OutcomeCancelled)
		o.send(sink, logger, protocol.NewStreamingError(convID, st.messageID, protocol.CodeCancelled, "generation cancelled"))
		return nil
	}

	// The turn is committed from here on; a late cancel must not split the write.
	persistCtx := context.WithoutCancel(ctx)
	resp, err := o.persistResponse(persistCtx, convID, st)
	if err != nil {
		o.Metrics.RecordTurn(metrics.OutcomeError)
		return err
	}

	o.send(sink, logger, protocol.NewStreamingCompleted(resp))
	o.publish(resp, sink)

	if st.decision.Fallback != nil {
		o.Metrics.RecordFallback(string(st.decision.Fallback.Type), st.decision.Fallback.Reason)
		o.Events.Emit(hermes.FallbackUsed{
			ConversationID: convID,
			MessageID:      resp.ID,
			Type:           string(st.decision.Fallback.Type),
			Reason:         st.decision.Fallback.Reason,
			SpeakerID:      resp.Sender(),
		})
	}

	if st.failed {
		o.Metrics.RecordTurn(metrics.OutcomeFailed)
		o.send(sink, logger, protocol.NewStreamingError(convID, resp.ID, protocol.CodeGenerationFailed, "no agent could generate a response"))
		return nil
	}

	if st.generated {
		o.remember(persistCtx, logger, id.String(), scope, userMsg, resp)
	}
	o.Metrics.RecordTurn(metrics.OutcomeCompleted)
	logger.Info("turn completed",
		"message_id", resp.ID,
		"sender_kind", resp.SenderKind,
		"sender_id", resp.Sender(),
		"response_len", len(resp.Content),
	)
	return nil
}

func (o *Orchestrator) rejectAcquire(ctx context.Context, convID string, sink protocol.Sink, logger *slog.Logger, err error) error {
	switch {
	case errors.Is(err, inflight.ErrBusy):
		logger.Warn("conversation busy, turn rejected")
		o.Metrics.RecordGuardRejection()
		o.Metrics.RecordTurn(metrics.OutcomeBusy)
		o.send(sink, logger, protocol.NewStreamingError(convID, "", protocol.CodeConversationBusy, "another response is still being generated for this conversation"))
		return nil
	case ctx.Err() != nil:
		o.Metrics.RecordTurn(metrics.OutcomeCancelled)
		o.send(sink, logger, protocol.NewStreamingError(convID, "", protocol.CodeCancelled, "generation cancelled"))
		return nil
	}
	o.Metrics.RecordTurn(metrics.OutcomeError)
	return fmt.Errorf("acquire in-flight guard: %w", err)
}

// speak produces the response content for the decision, streaming it to sink.
func (o *Orchestrator) speak(ctx context.Context, sink protocol.Sink, logger *slog.Logger, d authority.Decision, id convid.ID, scopeRoster []roster.Agent, userMsg model.Message) turnState {
	st := turnState{messageID: uuid.NewString(), decision: d}
	convID := userMsg.ConversationID
	scope := roster.ScopeOf(id)

	switch sp := d.Speaker.(type) {
	case authority.SystemSpeaker:
		o.send(sink, logger, protocol.NewStreamingStarted(convID, st.messageID, nil, systemName))
		o.send(sink, logger, protocol.NewStreamingChunk(convID, st.messageID, d.Notice, d.Notice))
		st.content = d.Notice
		return st

	case authority.AgentSpeaker:
		st.speaker = sp.Agent
		if d.Fallback != nil {
			o.sendStarted(sink, logger, convID, st.messageID, sp.Agent)
			o.send(sink, logger, protocol.NewStreamingChunk(convID, st.messageID, d.Notice, d.Notice))
			st.content = d.Notice
			return st
		}
	}

	history, frags := o.loadContext(ctx, logger, id, userMsg)

	candidates := handoffOrder(st.speaker, scopeRoster, o.opts.MaxHandoffs)
	for i, agent := range candidates {
		reason := d.Reason
		if i > 0 {
			o.Metrics.RecordHandoff()
			logger.Warn("handing off turn", "from", candidates[i-1].ID, "to", agent.ID)
			reason = authority.ReasonFirstAgent
		}
		o.sendStarted(sink, logger, convID, st.messageID, agent)

		prompt := buildPrompt(agent, reason, scope, frags, history, userMsg)
		content, err := o.generate(ctx, sink, logger, convID, st.messageID, prompt)
		if ctx.Err() != nil {
			return st
		}
		if err != nil {
			logger.Error("generation failed", "agent_id", agent.ID, "attempt", i+1, "error", err)
			if i < len(candidates)-1 {
				o.send(sink, logger, protocol.NewStreamingError(convID, st.messageID, protocol.CodeAgentHandoff,
					fmt.Sprintf("%s could not respond, handing off", agent.Name())))
				st.messageID = uuid.NewString()
			}
			continue
		}
		st.speaker = agent
		st.content = content
		st.generated = true
		return st
	}

	st.content = Apology
	st.failed = true
	return st
}

// loadContext loads history and memory for the prompt. Either failing degrades
// the prompt rather than the turn.
func (o *Orchestrator) loadContext(ctx context.Context, logger *slog.Logger, id convid.ID, userMsg model.Message) ([]model.Message, []model.Fragment) {
	history, err := o.Messages.ListMessages(ctx, userMsg.ConversationID, o.opts.HistoryLimit+1)
	if err != nil {
		logger.Warn("failed to load history", "error", err)
	}
	var prior []model.Message
	for _, m := range history {
		if m.ID != userMsg.ID {
			prior = append(prior, m)
		}
	}
	if len(prior) > o.opts.HistoryLimit {
		prior = prior[len(prior)-o.opts.HistoryLimit:]
	}

	var frags []model.Fragment
	if o.Memory != nil {
		frags, err = o.Memory.ForScope(ctx, id, o.opts.MemoryLimit)
		if err != nil {
			logger.Warn("failed to load memory", "error", err)
		}
	}
	return prior, frags
}

// generate streams one attempt to sink and returns the accumulated content.
func (o *Orchestrator) generate(ctx context.Context, sink protocol.Sink, logger *slog.Logger, convID, messageID string, p Prompt) (string, error) {
	start := time.Now()
	stream, err := o.Generator.Generate(ctx, p)
	if err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}
	defer stream.Close()

	var acc []byte
	for stream.Next() {
		chunk := stream.Chunk()
		acc = append(acc, chunk...)
		o.send(sink, logger, protocol.NewStreamingChunk(convID, messageID, chunk, string(acc)))
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if len(acc) == 0 {
		return "", errors.New("generator returned no content")
	}
	o.Metrics.ObserveGeneration(time.Since(start))
	return string(acc), nil
}

func (o *Orchestrator) persistResponse(ctx context.Context, convID string, st turnState) (model.Message, error) {
	msg := model.Message{
		ID:             st.messageID,
		ConversationID: convID,
		Content:        st.content,
		CreatedAt:      o.now(),
		Fallback:       st.decision.Fallback,
	}

	if _, ok := st.decision.Speaker.(authority.SystemSpeaker); ok {
		msg.SenderKind = model.SenderSystem
	} else {
		agentID := st.speaker.ID
		msg.SenderKind = model.SenderAgent
		msg.SenderID = &agentID
		msg.SenderName = st.speaker.Name()
	}

	if err := o.Checker.ConversationExists(ctx, o.Conversations, convID); err != nil {
		return model.Message{}, err
	}
	o.Checker.Message(msg)

	if err := o.Messages.AppendMessage(ctx, msg); err != nil {
		return model.Message{}, fmt.Errorf("persist response: %w", err)
	}
	return msg, nil
}

// publish delivers new_message to the conversation's followers and other instances.
func (o *Orchestrator) publish(m model.Message, sink protocol.Sink) {
	ev := protocol.NewNewMessage(m)
	if o.Hub != nil {
		o.Hub.Broadcast(m.ConversationID, ev)
	} else {
		_ = sink.Send(ev)
	}
	o.Events.Emit(hermes.MessagePersisted{Origin: o.opts.InstanceID, Message: m})
}

// remember writes a context fragment for the exchange and, when an extractor
// is configured, extracts key points in the background.
func (o *Orchestrator) remember(ctx context.Context, logger *slog.Logger, convID string, scope roster.Scope, userMsg, resp model.Message) {
	if o.Memory == nil {
		return
	}
	content := fmt.Sprintf("User: %s\n%s: %s", snippet(userMsg.Content), resp.SenderName, snippet(resp.Content))
	if _, err := o.Memory.Append(ctx, model.Fragment{
		ConversationID: convID,
		Kind:           model.FragmentContext,
		Content:        content,
		Importance:     contextImportance,
	}); err != nil {
		logger.Warn("failed to append context fragment", "error", err)
	}

	if o.Extractor == nil {
		return
	}
	ex := extractor.Exchange{
		ConversationID: convID,
		Scope:          string(scope.Kind),
		SpeakerName:    resp.SenderName,
		UserMessage:    userMsg.Content,
		Response:       resp.Content,
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(ctx, extractionDeadline)
		defer cancel()

		res, err := o.Extractor.Extract(ctx, ex)
		if err != nil {
			logger.Warn("memory extraction failed", "error", err)
			return
		}
		for _, f := range res.Fragments() {
			if _, err := o.Memory.Append(ctx, f); err != nil {
				logger.Warn("failed to append extracted fragment", "kind", f.Kind, "error", err)
			}
		}
	}()
}

func (o *Orchestrator) sendStarted(sink protocol.Sink, logger *slog.Logger, convID, messageID string, agent roster.Agent) {
	agentID := agent.ID
	o.send(sink, logger, protocol.NewStreamingStarted(convID, messageID, &agentID, agent.Name()))
}

// send ignores delivery failures: a closed connection cancels the turn anyway.
func (o *Orchestrator) send(sink protocol.Sink, logger *slog.Logger, event any) {
	if err := sink.Send(event); err != nil {
		logger.Debug("failed to send event", "error", err)
	}
}

// handoffOrder is first followed by up to max other agents from pool, in pool order.
func handoffOrder(first roster.Agent, pool []roster.Agent, max int) []roster.Agent {
	out := []roster.Agent{first}
	for _, a := range pool {
		if len(out) > max {
			break
		}
		if a.ID != first.ID {
			out = append(out, a)
		}
	}
	return out
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= contextSnippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:contextSnippetLen]) + "…"
}
