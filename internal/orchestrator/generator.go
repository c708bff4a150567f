package orchestrator

import (
	"context"

	"github.com/MikeSquared-Agency/switchboard/internal/anthropic"
)

// Prompt is everything sent to the generator for one speaker.
type Prompt struct {
	System   string
	Messages []anthropic.Message
}

// TokenStream is a finite, non-restartable sequence of chunks. Next returns
// false when the stream ends; Err then reports why.
type TokenStream interface {
	Next() bool
	Chunk() string
	Err() error
	Close() error
}

// Generator starts a cancellable token stream for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (TokenStream, error)
}

// AnthropicGenerator streams from the Messages API.
type AnthropicGenerator struct {
	client    *anthropic.Client
	maxTokens int
}

func NewAnthropicGenerator(client *anthropic.Client, maxTokens int) *AnthropicGenerator {
	return &AnthropicGenerator{client: client, maxTokens: maxTokens}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, p Prompt) (TokenStream, error) {
	s, err := g.client.StreamTokens(ctx, p.System, p.Messages, g.maxTokens)
	if err != nil {
		return nil, err
	}
	return s, nil
}
