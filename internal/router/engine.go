// Package router is the calling layer: it resolves a provider, consults the response
// cache, calls the provider and prices the result.
package router

import (
	"context"
	"fmt"

	"chatbridge/internal/cache"
	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/internal/registry"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/pricing"
)

// Result is the outcome of one routed, non-streaming call.
type Result struct {
	Provider string
	Response models.ChatResponse
	Cached   bool
	// Cost is the estimated USD cost of the upstream call; zero on a cache hit.
	Cost float64
}

// Engine directs chat requests to registry providers through the cache.
type Engine struct {
	registry *registry.Registry
	cache    *cache.Cache
	coalesce bool
}

// NewEngine initializes a routing engine. A nil cache disables caching; coalesce
// shares one upstream call between concurrent identical requests.
func NewEngine(reg *registry.Registry, c *cache.Cache, coalesce bool) *Engine {
	return &Engine{registry: reg, cache: c, coalesce: coalesce}
}

// Cache exposes the engine's response cache, or nil.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// SelectProvider returns the named provider, or the registry's best available one
// when name is empty.
func (e *Engine) SelectProvider(ctx context.Context, name string) (providers.Provider, error) {
	if name == "" {
		return e.registry.GetBestAvailable(ctx)
	}
	return e.registry.Get(name)
}

// cacheKey scopes the cache to the provider and requested model. Requests for the
// provider's default model share the empty model slot.
func cacheKey(p providers.Provider, req models.ChatRequest, opts models.CallOptions) string {
	return cache.Key(p.Name()+"/"+opts.Model, req.Messages)
}

// cacheable excludes tool-bearing requests, whose answers depend on the tool list.
func (e *Engine) cacheable(req models.ChatRequest) bool {
	return e.cache != nil && len(req.Tools) == 0
}

// Chat performs a synchronous call through the cache.
func (e *Engine) Chat(ctx context.Context, providerName string, req models.ChatRequest, opts models.CallOptions) (Result, error) {
	p, err := e.SelectProvider(ctx, providerName)
	if err != nil {
		return Result{}, err
	}
	res := Result{Provider: p.Name()}

	if !e.cacheable(req) {
		resp, err := p.Chat(ctx, req, opts)
		if err != nil {
			return res, fmt.Errorf("chat via %s: %w", p.Name(), err)
		}
		res.Response = resp
		res.Cost = pricing.Estimate(resp.Model, resp.Usage)
		return res, nil
	}

	key := cacheKey(p, req, opts)
	if e.coalesce {
		resp, cached, err := e.cache.GetOrLoad(ctx, key, "", func(ctx context.Context) (models.ChatResponse, error) {
			return p.Chat(ctx, req, opts)
		})
		if err != nil {
			return res, fmt.Errorf("chat via %s: %w", p.Name(), err)
		}
		res.Response, res.Cached = resp, cached
		if !cached {
			res.Cost = pricing.Estimate(resp.Model, resp.Usage)
		}
		return res, nil
	}

	if resp, ok := e.cache.Get(key); ok {
		logger.Debug("Serving response from cache", "provider", p.Name(), "model", resp.Model)
		res.Response, res.Cached = resp, true
		return res, nil
	}

	resp, err := p.Chat(ctx, req, opts)
	if err != nil {
		return res, fmt.Errorf("chat via %s: %w", p.Name(), err)
	}
	e.cache.Set(key, resp, resp.Model)
	res.Response = resp
	res.Cost = pricing.Estimate(resp.Model, resp.Usage)
	return res, nil
}

// ChatStream performs a streaming call. A cache hit is replayed as one text chunk
// followed by done; a completed upstream stream is stored on its done chunk.
func (e *Engine) ChatStream(ctx context.Context, providerName string, req models.ChatRequest, opts models.CallOptions) (string, <-chan models.StreamChunk, error) {
	p, err := e.SelectProvider(ctx, providerName)
	if err != nil {
		return "", nil, err
	}

	if !e.cacheable(req) {
		ch, err := p.ChatStream(ctx, req, opts)
		if err != nil {
			return p.Name(), nil, fmt.Errorf("stream via %s: %w", p.Name(), err)
		}
		return p.Name(), ch, nil
	}

	key := cacheKey(p, req, opts)
	if resp, ok := e.cache.Get(key); ok {
		logger.Debug("Replaying cached response as stream", "provider", p.Name(), "model", resp.Model)
		replay := func(ctx context.Context, _ models.ChatRequest, _ models.CallOptions) (models.ChatResponse, error) {
			return resp, nil
		}
		ch, err := providers.StreamFromChat(ctx, replay, req, opts)
		return p.Name(), ch, err
	}

	upstream, err := p.ChatStream(ctx, req, opts)
	if err != nil {
		return p.Name(), nil, fmt.Errorf("stream via %s: %w", p.Name(), err)
	}

	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			// drain after cancellation; upstream closes on its own once it sees it
			if ctx.Err() != nil {
				continue
			}
			if chunk.Type == models.ChunkDone && chunk.Response != nil {
				e.cache.Set(key, *chunk.Response, chunk.Response.Model)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
	}()
	return p.Name(), out, nil
}
