package inflight

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeepAlive(t *testing.T) {
	tests := []struct {
		name      string
		results   []bool
		errs      []error
		stopAfter int32 // close stop once renew has run this many times; 0 never
		wantCalls int32
	}{
		{name: "renews until stopped", results: []bool{true, true, true, true, true, true}, stopAfter: 3, wantCalls: 3},
		{name: "stops when the lease is lost", results: []bool{true, false, true}, wantCalls: 2},
		{name: "retries after an error", results: []bool{false, true, false}, errs: []error{errors.New("timeout"), nil, nil}, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			stop := make(chan struct{})
			renew := func() (bool, error) {
				n := calls.Add(1)
				if tt.stopAfter > 0 && n == tt.stopAfter {
					close(stop)
				}
				i := int(n - 1)
				if i >= len(tt.results) {
					return true, nil
				}
				var err error
				if i < len(tt.errs) {
					err = tt.errs[i]
				}
				return tt.results[i], err
			}

			done := make(chan struct{})
			go func() {
				keepAlive(stop, 10*time.Millisecond, renew, discardLogger())
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("keepAlive did not return")
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("renew calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestKeepAlive_ZeroIntervalReturns(t *testing.T) {
	keepAlive(make(chan struct{}), 0, func() (bool, error) {
		t.Error("renew called")
		return true, nil
	}, discardLogger())
}
