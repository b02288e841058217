package strategy

import "chatbridge/internal/config"

// DefaultFallback is the provider picked when no cost-free local provider is up.
const DefaultFallback = "echo"

// LocalFirstResolver prefers an available zero-cost provider, then the fallback
// provider, then whatever was registered first.
type LocalFirstResolver struct {
	preferred string
	fallback  string
}

func NewLocalFirstResolver(cfg config.SelectionConfig) *LocalFirstResolver {
	fallback := cfg.Fallback
	if fallback == "" {
		fallback = DefaultFallback
	}
	return &LocalFirstResolver{
		preferred: cfg.Preferred,
		fallback:  fallback,
	}
}

func (s *LocalFirstResolver) Name() string {
	return config.SelectionLocalFirst
}

func (s *LocalFirstResolver) Resolve(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}

	if s.preferred != "" {
		for _, c := range candidates {
			if c.Name == s.preferred && c.Available {
				return c.Name
			}
		}
	}

	for _, c := range candidates {
		if c.Name != s.fallback && c.Available && c.CostFree {
			return c.Name
		}
	}

	for _, c := range candidates {
		if c.Name == s.fallback {
			return c.Name
		}
	}
	return candidates[0].Name
}
