package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected Accept text/event-stream, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}))
}

func delta(text string) string {
	return fmt.Sprintf("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", text)
}

const (
	messageStart = "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n"
	ping         = "event: ping\ndata: {\"type\":\"ping\"}\n\n"
	messageStop  = "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
)

func collect(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	return chunks, s.Err()
}

func TestStreamTokens_Chunks(t *testing.T) {
	server := sseServer(t, []string{messageStart, ping, delta("Hel"), delta("lo"), delta(", world"), messageStop})
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)

	s, err := c.StreamTokens(context.Background(), "sys", []Message{{Role: "user", Content: "hi"}}, 50)
	if err != nil {
		t.Fatalf("StreamTokens: %v", err)
	}
	defer s.Close()

	chunks, err := collect(t, s)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Hello, world" {
		t.Errorf("stream text = %q, want %q", got, "Hello, world")
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(chunks))
	}
	if s.Next() {
		t.Error("Next after end of stream should be false")
	}
}

func TestStreamTokens_ErrorEvent(t *testing.T) {
	overloaded := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	server := sseServer(t, []string{messageStart, delta("partial"), overloaded})
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)
	s, err := c.StreamTokens(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, 50)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	chunks, err := collect(t, s)
	if len(chunks) != 1 {
		t.Errorf("expected the partial chunk before the error, got %v", chunks)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Type != "overloaded_error" {
		t.Errorf("expected overloaded APIError, got %v", err)
	}
}

func TestStreamTokens_TruncatedStream(t *testing.T) {
	server := sseServer(t, []string{messageStart, delta("cut off")})
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)
	s, err := c.StreamTokens(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, 50)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := collect(t, s); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestStreamTokens_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)
	_, err := c.StreamTokens(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, 50)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 APIError, got %v", err)
	}
}

func TestStreamTokens_Cancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, delta("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.StreamTokens(ctx, "", []Message{{Role: "user", Content: "hi"}}, 50)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !s.Next() || s.Chunk() != "first" {
		t.Fatalf("expected first chunk, got %q (err=%v)", s.Chunk(), s.Err())
	}

	done := make(chan struct{})
	go func() {
		for s.Next() {
		}
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", s.Err())
	}
}
