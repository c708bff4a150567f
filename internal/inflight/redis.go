package inflight

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the lease only if this holder still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Redis is a Guard shared by every instance using the same Redis. Leases expire
// after ttl so a crashed holder cannot block a conversation forever; a live
// holder renews its lease every ttl/3 until it releases.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedis connects to redisURL and pings it.
func NewRedis(ctx context.Context, redisURL string, ttl, wait time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		client: client,
		prefix: "switchboard:inflight:",
		ttl:    ttl,
		wait:   wait,
		poll:   50 * time.Millisecond,
		logger: logger,
	}, nil
}

func (r *Redis) Acquire(ctx context.Context, conversationID string) (func(), error) {
	key := r.prefix + conversationID
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", conversationID, err)
		}
		if ok {
			stop := make(chan struct{})
			go keepAlive(stop, r.ttl/3, func() (bool, error) { return r.renew(key, token) }, r.logger.With("key", key))
			return r.releaser(key, token, stop), nil
		}
		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *Redis) renew(key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := renewScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// keepAlive calls renew every interval until stop closes or the lease is lost.
// Errors are retried on the next tick; the lease stays valid until ttl runs out.
func keepAlive(stop <-chan struct{}, every time.Duration, renew func() (bool, error), logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := renew()
			if err != nil {
				logger.Warn("failed to renew in-flight lease", "error", err)
				continue
			}
			if !held {
				logger.Warn("in-flight lease lost before release")
				return
			}
		}
	}
}

func (r *Redis) releaser(key, token string, stop chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Release even if the turn's context was cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
			if err != nil {
				r.logger.Warn("failed to release in-flight lease", "key", key, "error", err)
				return
			}
			if n == 0 {
				r.logger.Warn("in-flight lease expired before release", "key", key)
			}
		})
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
