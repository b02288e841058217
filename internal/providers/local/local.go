// Package local serves chats from an on-device model runtime through a small pool of
// sessions keyed by system prompt.
package local

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
)

const DefaultModel = "llama3.2"

// Runtime opens sessions on a local model server.
type Runtime interface {
	Open(ctx context.Context, systemPrompt string) (Session, error)
	Ping(ctx context.Context) (bool, error)
}

type Provider struct {
	name    string
	runtime Runtime
	pool    *Pool

	mu           sync.RWMutex
	defaultModel string
}

// NewProvider wraps rt. poolSize and idle fall back to DefaultPoolSize and
// DefaultIdleTimeout when zero.
func NewProvider(name string, rt Runtime, defaultModel string, poolSize int, idle time.Duration) *Provider {
	if name == "" {
		name = "local"
	}
	return &Provider{
		name:         name,
		runtime:      rt,
		pool:         NewPool(poolSize, idle, rt.Open),
		defaultModel: defaultModel,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{SupportsStreaming: true, CostFree: true}
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

// session splits off the system prompt and acquires the matching pooled session.
func (p *Provider) session(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (Session, []models.Message, models.CallOptions, error) {
	var system []string
	msgs := make([]models.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	opts.Model = p.resolveModel(opts.Model)
	s, err := p.pool.Acquire(ctx, strings.Join(system, "\n\n"))
	return s, msgs, opts, err
}

func (p *Provider) Chat(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
	s, msgs, opts, err := p.session(ctx, req, opts)
	if err != nil {
		return models.ChatResponse{}, err
	}
	return s.Chat(ctx, msgs, opts)
}

func (p *Provider) ChatStream(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	s, msgs, opts, err := p.session(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	return s.ChatStream(ctx, msgs, opts)
}

func (p *Provider) IsAvailable(ctx context.Context) (bool, error) {
	return p.runtime.Ping(ctx)
}

// Sweep closes idle sessions; callers run it periodically.
func (p *Provider) Sweep() int { return p.pool.Sweep() }

// Close releases every pooled session.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}
