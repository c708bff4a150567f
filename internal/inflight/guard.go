// Package inflight allows at most one response generation per conversation at a time.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a conversation stayed busy for the whole wait.
var ErrBusy = errors.New("conversation busy")

// Guard serialises generation per conversation id. A second Acquire for a busy
// id waits up to the guard's wait time, then fails with ErrBusy.
type Guard interface {
	Acquire(ctx context.Context, conversationID string) (release func(), err error)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed semaphore.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

func NewLocal(wait time.Duration) *Local {
	return &Local{slots: make(map[string]*slot), wait: wait}
}

func (l *Local) Acquire(ctx context.Context, conversationID string) (func(), error) {
	s := l.ref(conversationID)

	// Fast path so a zero wait still succeeds on an idle conversation.
	select {
	case s.ch <- struct{}{}:
		return l.releaser(conversationID, s), nil
	default:
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return l.releaser(conversationID, s), nil
	case <-timer.C:
		l.unref(conversationID, s)
		return nil, ErrBusy
	case <-ctx.Done():
		l.unref(conversationID, s)
		return nil, ctx.Err()
	}
}

// Busy reports whether a generation currently holds conversationID.
func (l *Local) Busy(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[conversationID]
	return ok && len(s.ch) == 1
}

func (l *Local) ref(id string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(id string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *Local) releaser(id string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(id, s)
		})
	}
}
