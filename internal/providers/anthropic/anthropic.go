// Package anthropic talks to the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/retry"
)

// DefaultModel is used when neither the call nor the runtime configuration names one.
const DefaultModel = "claude-3-5-haiku-latest"

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type Provider struct {
	name      string
	apiKey    string
	baseURL   string
	client    *http.Client
	retry     *retry.Executor
	maxTokens int

	mu           sync.RWMutex
	defaultModel string
}

// Option customizes a Provider.
type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func WithRetry(e *retry.Executor) Option {
	return func(p *Provider) { p.retry = e }
}

// WithMaxTokens sets the max_tokens used when a call does not set one.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

func NewProvider(name, apiKey, baseURL, defaultModel string, opts ...Option) *Provider {
	if name == "" {
		name = "anthropic"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       providers.NewHTTPClient(0),
		retry:        retry.New(),
		defaultModel: defaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{RequiresAPIKey: true, SupportsStreaming: true, SupportsNativeTools: true}
}

// SetDefaultModel implements config.ModelSetter.
func (p *Provider) SetDefaultModel(model string) {
	p.mu.Lock()
	p.defaultModel = model
	p.mu.Unlock()
}

func (p *Provider) resolveModel(callModel string) string {
	if callModel != "" {
		return callModel
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return DefaultModel
}

func (p *Provider) doRequest(ctx context.Context, key string, body *MessagesRequest) (*http.Response, error) {
	headers := map[string]string{
		"x-api-key":         key,
		"anthropic-version": apiVersion,
	}
	if body.Stream {
		headers["Accept"] = "text/event-stream"
	}
	return retry.Run(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		return providers.PostJSON(ctx, p.client, p.name, p.baseURL+"/messages", headers, body)
	})
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
	key, err := providers.ResolveAPIKey(p.name, true, p.apiKey, opts)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = p.maxTokens
	}
	body := BuildRequest(req, p.resolveModel(opts.Model), opts)

	resp, err := p.doRequest(ctx, key, &body)
	if err != nil {
		return models.ChatResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("%s: read response: %w", p.name, err)
	}
	out, err := ParseResponse(data, body.Model)
	if err != nil {
		logger.Error("unreadable messages response", "error", err, "provider", p.name, "model", body.Model)
		return models.ChatResponse{}, fmt.Errorf("%s: %w", p.name, err)
	}
	return out, nil
}

func (p *Provider) ChatStream(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	key, err := providers.ResolveAPIKey(p.name, true, p.apiKey, opts)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = p.maxTokens
	}
	body := BuildRequest(req, p.resolveModel(opts.Model), opts)
	body.Stream = true

	resp, err := p.doRequest(ctx, key, &body)
	if err != nil {
		return nil, err
	}
	return providers.StreamBody(ctx, resp, func(r io.Reader, emit *providers.Emitter) (models.StreamChunk, bool) {
		return p.decodeStream(r, emit, body.Model)
	}), nil
}

// IsAvailable reports whether a key is configured. The Messages API has no free probe.
func (p *Provider) IsAvailable(ctx context.Context) (bool, error) {
	return p.apiKey != "", nil
}
