// Package pricing estimates USD cost of a completion from per-model token prices.
package pricing

import (
	"sync/atomic"

	"chatbridge/internal/models"
)

// Price is a per-1000-token rate in USD. CachedInput is nil when the vendor does not
// discount cached prompt tokens; the input rate then applies.
type Price struct {
	Input       float64  `json:"input" yaml:"input"`
	Output      float64  `json:"output" yaml:"output"`
	CachedInput *float64 `json:"cached_input,omitempty" yaml:"cached_input,omitempty"`
}

func cached(v float64) *float64 { return &v }

var builtin = map[string]Price{
	"gpt-4o":                   {Input: 0.0025, Output: 0.01, CachedInput: cached(0.00125)},
	"gpt-4o-mini":              {Input: 0.00015, Output: 0.0006, CachedInput: cached(0.000075)},
	"gpt-4.1":                  {Input: 0.002, Output: 0.008, CachedInput: cached(0.0005)},
	"gpt-4.1-mini":             {Input: 0.0004, Output: 0.0016, CachedInput: cached(0.0001)},
	"gpt-4.1-nano":             {Input: 0.0001, Output: 0.0004, CachedInput: cached(0.000025)},
	"o3-mini":                  {Input: 0.0011, Output: 0.0044, CachedInput: cached(0.00055)},
	"gpt-3.5-turbo":            {Input: 0.0005, Output: 0.0015},
	"claude-3-haiku-20240307":  {Input: 0.00025, Output: 0.00125, CachedInput: cached(0.00003)},
	"claude-3-5-haiku-latest":  {Input: 0.0008, Output: 0.004, CachedInput: cached(0.00008)},
	"claude-3-5-sonnet-latest": {Input: 0.003, Output: 0.015, CachedInput: cached(0.0003)},
	"claude-3-7-sonnet-latest": {Input: 0.003, Output: 0.015, CachedInput: cached(0.0003)},
	"claude-sonnet-4-20250514": {Input: 0.003, Output: 0.015, CachedInput: cached(0.0003)},
	"claude-opus-4-20250514":   {Input: 0.015, Output: 0.075, CachedInput: cached(0.0015)},
	"llama-3.3-70b-versatile":  {Input: 0.00059, Output: 0.00079},
	"deepseek-chat":            {Input: 0.00027, Output: 0.0011, CachedInput: cached(0.00007)},
	"mistral-small-latest":     {Input: 0.0002, Output: 0.0006},
	"gemini-2.0-flash":         {Input: 0.0001, Output: 0.0004, CachedInput: cached(0.000025)},
}

// overrides holds a map[string]Price swapped in wholesale by SetOverrides.
var overrides atomic.Value

// SetOverrides replaces the runtime price overrides. Entries shadow the built-in table;
// a nil map clears them.
func SetOverrides(prices map[string]Price) {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	overrides.Store(cp)
}

// Lookup returns the price row for model.
func Lookup(model string) (Price, bool) {
	if m, ok := overrides.Load().(map[string]Price); ok {
		if p, ok := m[model]; ok {
			return p, true
		}
	}
	p, ok := builtin[model]
	return p, ok
}

// Estimate returns the USD cost of usage on model, or 0 for an unknown model.
func Estimate(model string, usage models.Usage) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	cachedTokens := min(max(usage.CachedInputTokens, 0), usage.InputTokens)
	cachedRate := p.Input
	if p.CachedInput != nil {
		cachedRate = *p.CachedInput
	}
	fresh := float64(usage.InputTokens-cachedTokens) / 1000 * p.Input
	reused := float64(cachedTokens) / 1000 * cachedRate
	out := float64(usage.OutputTokens) / 1000 * p.Output
	return fresh + reused + out
}
