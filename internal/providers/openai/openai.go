// Package openai talks to OpenAI and to any backend that speaks the same
// /chat/completions wire format.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/retry"
)

// DefaultModel is the compile-time default model name used when neither the
// call nor the runtime configuration specifies one.
const DefaultModel = "gpt-4o-mini"

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements the OpenAI upstream and generic compatible backends.
type Provider struct {
	name          string
	apiKey        string
	baseURL       string
	client        *http.Client
	retry         *retry.Executor
	requireKey    bool
	nativeTools   bool
	streamUsage   bool
	maxTokens     int
	fallbackOn404 func() bool

	mu           sync.RWMutex
	defaultModel string // runtime-configurable; falls back to DefaultModel const
}

// Option customizes a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithRetry replaces the default retry policy.
func WithRetry(e *retry.Executor) Option {
	return func(p *Provider) { p.retry = e }
}

// WithNativeTools controls whether tool definitions are sent to the backend.
func WithNativeTools(enabled bool) Option {
	return func(p *Provider) { p.nativeTools = enabled }
}

// WithRequiredKey controls whether calls without an API key are refused.
func WithRequiredKey(required bool) Option {
	return func(p *Provider) { p.requireKey = required }
}

// WithModelFallback retries a 404 once with DefaultModel.
func WithModelFallback(enabled bool) Option {
	return WithModelFallbackFunc(func() bool { return enabled })
}

// WithModelFallbackFunc is WithModelFallback consulted per call, so remote
// configuration can toggle it at runtime.
func WithModelFallbackFunc(fn func() bool) Option {
	return func(p *Provider) { p.fallbackOn404 = fn }
}

// WithMaxTokens sets the max_tokens used when a call does not set one.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// NewProvider creates an OpenAI provider. defaultModel is the initial runtime
// default; pass an empty string to use the compile-time DefaultModel constant.
func NewProvider(name, apiKey, baseURL, defaultModel string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p := &Provider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       providers.NewHTTPClient(0),
		retry:        retry.New(),
		requireKey:   true,
		nativeTools:  true,
		streamUsage:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewCompatible creates a provider for a self-hosted or third-party backend that
// speaks the OpenAI wire format. Bearer auth is sent only when a key is present and
// tools are degraded to text unless WithNativeTools(true) is passed.
func NewCompatible(name, apiKey, baseURL, defaultModel string, opts ...Option) *Provider {
	base := []Option{WithRequiredKey(false), WithNativeTools(false), func(p *Provider) { p.streamUsage = false }}
	return NewProvider(name, apiKey, baseURL, defaultModel, append(base, opts...)...)
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		RequiresAPIKey:      p.requireKey,
		SupportsStreaming:   true,
		SupportsNativeTools: p.nativeTools,
	}
}

// SetDefaultModel updates the runtime default model name in a thread-safe manner.
// It implements config.ModelSetter so RemoteManager can push live overrides.
func (p *Provider) SetDefaultModel(model string) {
	p.mu.Lock()
	p.defaultModel = model
	p.mu.Unlock()
}

// resolveModel returns callModel if non-empty, otherwise the runtime default or
// the compile-time DefaultModel constant.
func (p *Provider) resolveModel(callModel string) string {
	if callModel != "" {
		return callModel
	}
	p.mu.RLock()
	m := p.defaultModel
	p.mu.RUnlock()
	if m != "" {
		return m
	}
	return DefaultModel
}

func (p *Provider) headers(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

// send posts body with retries. A 404 for a non-default model is retried once
// with DefaultModel when model fallback is enabled.
func (p *Provider) send(ctx context.Context, key string, body *ChatCompletionRequest) (*http.Response, error) {
	post := func(ctx context.Context) (*http.Response, error) {
		return providers.PostJSON(ctx, p.client, p.name, p.baseURL+"/chat/completions", p.headers(key), body)
	}
	resp, err := retry.Run(ctx, p.retry, post)
	if err != nil && p.fallbackOn404 != nil && p.fallbackOn404() && providers.StatusCode(err) == http.StatusNotFound && body.Model != DefaultModel {
		logger.Warn("model not found, falling back to default",
			"provider", p.name, "attempted_model", body.Model, "fallback_model", DefaultModel)
		body.Model = DefaultModel
		return retry.Run(ctx, p.retry, post)
	}
	return resp, err
}

// Chat performs a synchronous chat completion.
func (p *Provider) Chat(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
	key, err := providers.ResolveAPIKey(p.name, p.requireKey, p.apiKey, opts)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = p.maxTokens
	}
	body := BuildRequest(req, p.resolveModel(opts.Model), opts, p.nativeTools)

	resp, err := p.send(ctx, key, &body)
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
		logger.Error("unreadable chat completion", "error", err, "provider", p.name, "model", body.Model)
		return models.ChatResponse{}, fmt.Errorf("%s: %w", p.name, err)
	}
	return out, nil
}

// ChatStream performs a streaming chat completion.
func (p *Provider) ChatStream(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	key, err := providers.ResolveAPIKey(p.name, p.requireKey, p.apiKey, opts)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = p.maxTokens
	}
	body := BuildRequest(req, p.resolveModel(opts.Model), opts, p.nativeTools)
	body.Stream = true
	if p.streamUsage {
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := p.send(ctx, key, &body)
	if err != nil {
		return nil, err
	}
	model := body.Model
	return providers.StreamBody(ctx, resp, func(r io.Reader, emit *providers.Emitter) (models.StreamChunk, bool) {
		return p.decodeStream(r, emit, model)
	}), nil
}

// IsAvailable probes GET /models. Providers that require a key report false
// without a network call when none is configured.
func (p *Provider) IsAvailable(ctx context.Context) (bool, error) {
	if p.requireKey && p.apiKey == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return providers.Get(ctx, p.client, p.baseURL+"/models", p.headers(p.apiKey))
}
