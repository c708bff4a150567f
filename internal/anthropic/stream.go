package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Stream is a finite, non-restartable sequence of text chunks from one
// streamed response. Cancelling the request context ends it.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	chunk   string
	err     error
	done    bool
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamTokens starts a streamed completion.
func (c *Client) StreamTokens(ctx context.Context, system string, messages []Message, maxTokens int) (*Stream, error) {
	req, err := c.newRequest(ctx, request{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Stream{ctx: ctx, body: resp.Body, scanner: scanner}, nil
}

// Next advances to the next non-empty text chunk. It returns false at the end
// of the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				s.chunk = ev.Delta.Text
				return true
			}
		case "message_stop":
			s.done = true
			return false
		case "error":
			s.err = &APIError{StatusCode: http.StatusOK, Type: ev.Error.Type, Message: ev.Error.Message}
			s.done = true
			return false
		}
	}
	s.done = true
	if err := s.ctx.Err(); err != nil {
		s.err = err
	} else if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read stream: %w", err)
	} else {
		s.err = io.ErrUnexpectedEOF
	}
	return false
}

// Chunk is the text produced by the last successful Next.
func (s *Stream) Chunk() string {
	return s.chunk
}

// Err is the error that ended the stream, if any. A cancelled context surfaces
// as the context's error.
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
