package strategy

import "chatbridge/internal/config"

// Candidate is one registered provider as seen by a selection strategy.
type Candidate struct {
	Name                string
	Available           bool
	CostFree            bool
	RequiresAPIKey      bool
	SupportsStreaming   bool
	SupportsNativeTools bool
}

// Resolver defines the unified interface for best-available selection strategies
type Resolver interface {
	// Name returns the unique identifier for the strategy
	Name() string
	// Resolve picks a provider name from candidates, which arrive in registration order.
	// Returns an empty string only when candidates is empty.
	Resolve(candidates []Candidate) string
}

// NewResolver initializes a resolver based on the configuration.
// Unknown or empty types fall back to local-first selection.
func NewResolver(cfg config.SelectionConfig) Resolver {
	switch cfg.Type {
	case config.SelectionExpression:
		return NewExpressionResolver(cfg)
	default:
		return NewLocalFirstResolver(cfg)
	}
}
