// Package gateway serves the per-connection WebSocket channel. Each connection
// runs a read loop, a write loop that also pings, and a turn loop that handles
// send_message envelopes one at a time in arrival order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/metrics"
	"github.com/MikeSquared-Agency/switchboard/internal/protocol"
)

var errClosed = errors.New("connection closed")

// TurnHandler is satisfied by *orchestrator.Orchestrator.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn protocol.Turn, sink protocol.Sink) error
}

type Options struct {
	// Rate and Burst limit inbound envelopes per connection. Rate <= 0 disables the limit.
	Rate  float64
	Burst int
	// QueueSize bounds send_message envelopes waiting behind the current turn.
	QueueSize    int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// RepanicViolations re-raises invariant panics after reporting them, so
	// strict mode fails loudly.
	RepanicViolations bool
	CheckOrigin       func(r *http.Request) bool
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

const (
	maxFrameBytes = 256 << 10
	outboundQueue = 256
)

type Handler struct {
	turns    TurnHandler
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(turns TurnHandler, hub *Hub, opts Options, m *metrics.Metrics, logger *slog.Logger) *Handler {
	opts.defaults()
	return &Handler{
		turns: turns,
		hub:   hub,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		metrics: m,
		logger:  logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := h.newConn(ws)
	h.metrics.RecordConnect()
	c.logger.Info("connection opened", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	turnsDone := make(chan struct{})
	go c.writeLoop()
	go func() {
		defer close(turnsDone)
		c.turnLoop(ctx)
	}()

	c.readLoop()

	// Closing the connection cancels whatever turn is running.
	cancel()
	close(c.queue)
	<-turnsDone
	c.shutdown()
	h.hub.leave(c)
	h.metrics.RecordDisconnect()
	c.logger.Info("connection closed")
}

type queuedTurn struct {
	turn protocol.Turn
}

type conn struct {
	id      string
	h       *Handler
	ws      *websocket.Conn
	out     chan any
	queue   chan queuedTurn
	limiter *rate.Limiter
	logger  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func (h *Handler) newConn(ws *websocket.Conn) *conn {
	limit := rate.Inf
	if h.opts.Rate > 0 {
		limit = rate.Limit(h.opts.Rate)
	}
	id := uuid.NewString()
	return &conn{
		id:      id,
		h:       h,
		ws:      ws,
		out:     make(chan any, outboundQueue),
		queue:   make(chan queuedTurn, h.opts.QueueSize),
		limiter: rate.NewLimiter(limit, h.opts.Burst),
		logger:  h.logger.With("conn_id", id),
		closed:  make(chan struct{}),
		active:  make(map[string]context.CancelFunc),
	}
}

// Send queues event for the write loop. It blocks while the outbound queue is
// full and fails once the connection is closed.
func (c *conn) Send(event any) error {
	select {
	case c.out <- event:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *conn) trySend(event any) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- event:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in read loop", "panic", r)
		}
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.h.opts.PongWait))
		c.handleFrame(data)
	}
}

func (c *conn) handleFrame(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.reply(protocol.ErrorFrom(&protocol.EnvelopeError{Message: "frame is not a JSON envelope"}))
		return
	}
	c.h.metrics.RecordEnvelope(env.Type)

	if !c.limiter.Allow() {
		c.reply(protocol.NewStreamingError(env.ConversationID, "", protocol.CodeRateLimited, "too many messages, slow down"))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		c.reply(protocol.NewPong())

	case protocol.TypeCancelGeneration:
		c.cancelTurn(env.ConversationID)

	case protocol.TypeSendMessage:
		c.h.metrics.RecordDecode(convid.Classify(env.ConversationID, env.ProjectID).String())
		turn, err := protocol.ValidateSendMessage(env)
		if err != nil {
			c.logger.Info("rejected envelope", "error", err)
			c.reply(protocol.ErrorFrom(err))
			return
		}
		c.h.hub.join(turn.ID.String(), c)
		select {
		case c.queue <- queuedTurn{turn: turn}:
		default:
			c.reply(protocol.NewStreamingError(turn.ID.String(), "", protocol.CodeConversationBusy, "too many messages waiting on this connection"))
		}

	default:
		c.reply(protocol.ErrorFrom(&protocol.EnvelopeError{
			Message: fmt.Sprintf("unknown envelope type %q", env.Type),
			Details: map[string]any{"type": env.Type},
		}))
	}
}

func (c *conn) reply(event any) {
	if err := c.Send(event); err != nil {
		c.logger.Debug("reply dropped", "error", err)
	}
}

func (c *conn) cancelTurn(conversationID string) {
	c.mu.Lock()
	cancel, ok := c.active[conversationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("cancel for idle conversation", "conversation_id", conversationID)
		return
	}
	c.logger.Info("cancel requested", "conversation_id", conversationID)
	cancel()
}

func (c *conn) turnLoop(ctx context.Context) {
	for q := range c.queue {
		if ctx.Err() != nil {
			continue
		}
		c.runTurn(ctx, q.turn)
	}
}

func (c *conn) runTurn(parent context.Context, turn protocol.Turn) {
	convID := turn.ID.String()
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.active[convID] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.active, convID)
		c.mu.Unlock()
		cancel()
	}()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("panic: %v", r)
		}
		c.logger.Error("panic in turn", "conversation_id", convID, "panic", r)
		c.reply(protocol.ErrorFrom(err))
		if _, isViolation := r.(*invariant.Violation); isViolation && c.h.opts.RepanicViolations {
			panic(r)
		}
	}()

	if err := c.h.turns.HandleTurn(ctx, turn, c); err != nil {
		c.logger.Error("turn failed", "conversation_id", convID, "error", err)
		c.reply(protocol.ErrorFrom(err))
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case ev := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.h.opts.WriteWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.opts.WriteWait)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
