package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"chatbridge/pkg/logger"
	"chatbridge/pkg/pricing"
)

// ModelSetter is implemented by any provider that supports runtime model name updates.
// RemoteManager uses this interface to push per-provider model overrides after each
// successful fetch, keeping provider packages decoupled from this package.
type ModelSetter interface {
	SetDefaultModel(model string)
}

// RemoteDocument is the JSON document served by the remote origin.
type RemoteDocument struct {
	ProviderModels map[string]string        `json:"provider_models"` // per-provider model overrides; empty values are ignored
	Pricing        map[string]pricing.Price `json:"pricing"`         // per-model price overrides
	FallbackOn404  *bool                    `json:"fallback_on_404"` // if non-nil, overrides per-provider 404 fallback behaviour
	UpdatedAt      string                   `json:"updated_at"`
}

// FallbackOn404Enabled reports whether the remote document enables 404 model fallback.
// Returns true when the field is absent from the remote payload.
func (d *RemoteDocument) FallbackOn404Enabled() bool {
	if d == nil || d.FallbackOn404 == nil {
		return true
	}
	return *d.FallbackOn404
}

// RemoteManager polls the remote document and applies it.
type RemoteManager struct {
	doc       atomic.Value // underlying type is *RemoteDocument
	url       string
	interval  time.Duration
	client    *http.Client
	providers map[string]ModelSetter // keyed by provider name, e.g. "openai", "local"
}

// NewRemoteManager initialises a new RemoteManager.
// providers is an optional map of ModelSetter implementations; pass nil if not needed.
func NewRemoteManager(url string, interval time.Duration, providers map[string]ModelSetter) *RemoteManager {
	if interval <= 0 {
		interval = time.Minute
	}
	rm := &RemoteManager{
		url:       url,
		interval:  interval,
		providers: providers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	rm.doc.Store(&RemoteDocument{})
	return rm
}

// Start fetches once, then polls every interval until ctx is done.
func (rm *RemoteManager) Start(ctx context.Context) {
	if err := rm.fetch(ctx); err != nil {
		logger.Error("RemoteConfig initial fetch failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(rm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rm.fetch(ctx); err != nil {
					logger.Error("RemoteConfig fetch error", "error", err)
				}
			}
		}
	}()
}

func (rm *RemoteManager) fetch(ctx context.Context) error {
	if rm.url == "" {
		return fmt.Errorf("remote config URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rm.url, nil)
	if err != nil {
		return err
	}

	resp, err := rm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var doc RemoteDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return err
	}

	rm.doc.Store(&doc)
	logger.Info("RemoteConfig updated",
		"provider_models_count", len(doc.ProviderModels),
		"pricing_count", len(doc.Pricing),
		"updated_at", doc.UpdatedAt,
	)

	rm.applyProviderModels(doc.ProviderModels)
	if doc.Pricing != nil {
		pricing.SetOverrides(doc.Pricing)
	}
	return nil
}

// applyProviderModels propagates non-empty model names to the registered ModelSetter
// implementations. Empty values are skipped so providers keep their current model.
func (rm *RemoteManager) applyProviderModels(models map[string]string) {
	if len(models) == 0 || len(rm.providers) == 0 {
		return
	}
	for name, model := range models {
		if model == "" {
			continue
		}
		if setter, ok := rm.providers[name]; ok {
			setter.SetDefaultModel(model)
			logger.Info("RemoteConfig updated provider default model", "provider", name, "model", model)
		}
	}
}

// Document returns the latest remote document atomically.
func (rm *RemoteManager) Document() *RemoteDocument {
	val := rm.doc.Load()
	if val == nil {
		return &RemoteDocument{}
	}
	return val.(*RemoteDocument)
}

// FallbackOn404 reports the current remote 404-fallback switch.
func (rm *RemoteManager) FallbackOn404() bool {
	return rm.Document().FallbackOn404Enabled()
}
