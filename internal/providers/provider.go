package providers

import (
	"context"
	"fmt"

	"chatbridge/internal/models"
)

// Capabilities describes what a provider needs and supports.
type Capabilities struct {
	RequiresAPIKey      bool
	SupportsStreaming   bool
	SupportsNativeTools bool
	// CostFree marks providers that never bill, such as on-device models.
	CostFree bool
}

// Provider abstracts the underlying LLM vendor interface
type Provider interface {
	// Name returns the provider's identifier (e.g. "openai", "anthropic")
	Name() string

	Capabilities() Capabilities

	// Chat performs a standard synchronous request. It fails on a non-2xx upstream
	// status and when a required API key is missing.
	Chat(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error)

	// ChatStream performs a streaming request. Setup failures are returned directly;
	// once a channel is returned it yields chunks ending in exactly one done or error
	// chunk and is then closed. Cancelling ctx stops the stream without further chunks.
	ChatStream(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error)

	// IsAvailable reports whether the provider can currently serve requests.
	IsAvailable(ctx context.Context) (bool, error)
}

// ChatFunc matches Provider.Chat.
type ChatFunc func(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error)

// StreamFromChat is the streaming fallback for providers without native streaming:
// one text chunk with the full content, then done.
func StreamFromChat(ctx context.Context, chat ChatFunc, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	resp, err := chat(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan models.StreamChunk, 2)
	if resp.Content != "" {
		out <- models.TextChunk(resp.Content)
	}
	out <- models.DoneChunk(resp)
	close(out)
	return out, nil
}

// Collect drains a stream and returns its terminal response.
func Collect(ch <-chan models.StreamChunk) (models.ChatResponse, error) {
	for chunk := range ch {
		switch chunk.Type {
		case models.ChunkDone:
			return *chunk.Response, nil
		case models.ChunkError:
			return models.ChatResponse{}, chunk.Err
		}
	}
	return models.ChatResponse{}, fmt.Errorf("stream ended without a terminal chunk: %w", context.Canceled)
}

// ResolveAPIKey picks the per-call key over the configured one.
func ResolveAPIKey(name string, required bool, configured string, opts models.CallOptions) (string, error) {
	key := opts.APIKey
	if key == "" {
		key = configured
	}
	if key == "" && required {
		return "", fmt.Errorf("%s: %w", name, ErrMissingAPIKey)
	}
	return key, nil
}

// ToolResultText renders a tool result as plain text for backends or requests
// without tool support.
func ToolResultText(m models.Message) string {
	name := m.Name
	if name == "" {
		name = "tool"
	}
	return fmt.Sprintf("[%s result] %s", name, m.Content)
}
