// Package echo is the offline fallback provider: it answers with the last user message.
package echo

import (
	"context"
	"strings"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
)

const (
	Name  = "echo"
	Model = "echo"
)

type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{CostFree: true}
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return models.ChatResponse{}, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	content := "Echo: " + last
	return models.Normalize(models.ChatResponse{
		Content: content,
		Usage: models.Usage{
			InputTokens:  approxTokens(req.Messages),
			OutputTokens: len(strings.Fields(content)),
		},
	}, Model), nil
}

func (p *Provider) ChatStream(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	return providers.StreamFromChat(ctx, p.Chat, req, opts)
}

func (p *Provider) IsAvailable(ctx context.Context) (bool, error) { return true, nil }

// approxTokens counts whitespace-separated words.
func approxTokens(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}
