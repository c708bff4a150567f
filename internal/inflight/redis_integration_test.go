//go:build integration

package inflight

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupRedis(t *testing.T, ttl, wait time.Duration) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	g, err := NewRedis(context.Background(), url, ttl, wait, slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestIntegration_RedisLease(t *testing.T) {
	g := setupRedis(t, time.Minute, 100*time.Millisecond)
	ctx := context.Background()
	id := "team-it-" + uuid.NewString()[:8]

	release, err := g.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, id); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while held, got %v", err)
	}
	release()

	r2, err := g.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}

func TestIntegration_RedisLeaseRenewedWhileHeld(t *testing.T) {
	g := setupRedis(t, 300*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()
	id := "team-it-" + uuid.NewString()[:8]

	release, err := g.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Hold well past the ttl, as a long generation would.
	time.Sleep(time.Second)
	if _, err := g.Acquire(ctx, id); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after ttl while still held, got %v", err)
	}
	release()

	r2, err := g.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}
