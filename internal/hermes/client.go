package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("switchboard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// OnRosterChanged calls fn for every roster.changed event. Malformed payloads are logged and dropped.
func (c *Client) OnRosterChanged(fn func(RosterChanged)) error {
	return c.Subscribe(SubjectRosterChanged, func(_ string, data []byte) {
		rc, err := DecodeRosterChanged(data)
		if err != nil {
			c.logger.Warn("bad roster.changed payload", "error", err)
			return
		}
		fn(rc)
	})
}

// OnMessagePersisted calls fn for messages persisted by other instances.
func (c *Client) OnMessagePersisted(self string, fn func(MessagePersisted)) error {
	return c.Subscribe(SubjectMessagePersisted, func(_ string, data []byte) {
		mp, err := DecodeMessagePersisted(data)
		if err != nil {
			c.logger.Warn("bad message.persisted payload", "error", err)
			return
		}
		if mp.Origin == self {
			return
		}
		fn(mp)
	})
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
