// Package factory builds providers from configuration.
package factory

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"chatbridge/internal/config"
	"chatbridge/internal/providers"
	"chatbridge/internal/providers/anthropic"
	"chatbridge/internal/providers/echo"
	"chatbridge/internal/providers/local"
	"chatbridge/internal/providers/openai"
	"chatbridge/internal/registry"
	"chatbridge/pkg/retry"
)

// Built is the outcome of building every configured provider.
type Built struct {
	Providers []providers.Provider
	// Setters receive runtime default-model overrides, keyed by provider name.
	Setters map[string]config.ModelSetter
	closers []io.Closer
}

// Close releases provider resources such as pooled local sessions.
func (b *Built) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RetryExecutor maps the retry section onto an executor; unset fields keep the defaults.
func RetryExecutor(cfg config.RetryConfig) *retry.Executor {
	exec := retry.New()
	if cfg.MaxRetries != nil {
		exec.MaxRetries = *cfg.MaxRetries
	}
	if cfg.BaseDelay > 0 {
		exec.BaseDelay = cfg.BaseDelay
	}
	return exec
}

// Build constructs one provider per configured entry, in name order, and appends the
// echo provider when none is configured. remoteFallback, when non-nil, gates each
// provider's fallback_on_404 flag at call time.
func Build(cfg *config.Config, remoteFallback func() bool) (*Built, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	exec := RetryExecutor(cfg.Retry)
	built := &Built{Setters: make(map[string]config.ModelSetter)}
	hasEcho := false

	for _, name := range names {
		pc := cfg.Providers[name]
		p, err := New(name, pc, exec, remoteFallback)
		if err != nil {
			built.Close()
			return nil, fmt.Errorf("initialise %s provider: %w", name, err)
		}
		built.Providers = append(built.Providers, p)
		if setter, ok := p.(config.ModelSetter); ok {
			built.Setters[name] = setter
		}
		if closer, ok := p.(io.Closer); ok {
			built.closers = append(built.closers, closer)
		}
		if pc.Type == config.TypeEcho {
			hasEcho = true
		}
	}

	if !hasEcho {
		built.Providers = append(built.Providers, echo.NewProvider())
	}
	return built, nil
}

// New builds a single provider.
func New(name string, pc config.ProviderConfig, exec *retry.Executor, remoteFallback func() bool) (providers.Provider, error) {
	client := providers.NewHTTPClient(pc.Timeout)
	fallback := func() bool {
		return pc.FallbackOn404 && (remoteFallback == nil || remoteFallback())
	}

	switch pc.Type {
	case config.TypeOpenAI:
		return openai.NewProvider(name, pc.ResolvedAPIKey(), pc.BaseURL, pc.DefaultModel,
			openai.WithHTTPClient(client),
			openai.WithRetry(exec),
			openai.WithMaxTokens(pc.MaxTokens),
			openai.WithModelFallbackFunc(fallback),
		), nil
	case config.TypeCompatible:
		return openai.NewCompatible(name, pc.ResolvedAPIKey(), pc.BaseURL, pc.DefaultModel,
			openai.WithHTTPClient(client),
			openai.WithRetry(exec),
			openai.WithMaxTokens(pc.MaxTokens),
			openai.WithNativeTools(pc.NativeTools),
			openai.WithModelFallbackFunc(fallback),
		), nil
	case config.TypeAnthropic:
		return anthropic.NewProvider(name, pc.ResolvedAPIKey(), pc.BaseURL, pc.DefaultModel,
			anthropic.WithHTTPClient(client),
			anthropic.WithRetry(exec),
			anthropic.WithMaxTokens(pc.MaxTokens),
		), nil
	case config.TypeLocal:
		rt := local.NewOllama(name, pc.BaseURL, client, exec)
		return local.NewProvider(name, rt, pc.DefaultModel, pc.PoolSize, pc.IdleTimeout), nil
	case config.TypeEcho:
		return echo.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// Register adds every built provider to reg.
func Register(reg *registry.Registry, built *Built) error {
	for _, p := range built.Providers {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
