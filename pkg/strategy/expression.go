package strategy

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"chatbridge/internal/config"
	"chatbridge/pkg/logger"
)

// ExpressionResolver dynamically parses logical expressions and evaluates them
// against each candidate in turn.
type ExpressionResolver struct {
	rules    []CompiledRule
	fallback Resolver
}

// CompiledRule caches the byte code of the parsed condition. An empty Provider
// means the rule may match any candidate.
type CompiledRule struct {
	Program  *vm.Program
	Provider string
}

func NewExpressionResolver(cfg config.SelectionConfig) *ExpressionResolver {
	var compiledRules []CompiledRule

	for _, rule := range cfg.Rules {
		// Compile expression once at startup
		program, err := expr.Compile(rule.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			logger.Warn("Failed to compile selection rule", "condition", rule.Condition, "error", err)
			continue
		}

		compiledRules = append(compiledRules, CompiledRule{
			Program:  program,
			Provider: rule.Provider,
		})
	}

	return &ExpressionResolver{
		rules:    compiledRules,
		fallback: NewLocalFirstResolver(cfg),
	}
}

func (e *ExpressionResolver) Name() string {
	return config.SelectionExpression
}

func candidateEnv(c Candidate) map[string]any {
	return map[string]any{
		"name":                  c.Name,
		"available":             c.Available,
		"cost_free":             c.CostFree,
		"local":                 c.CostFree,
		"requires_api_key":      c.RequiresAPIKey,
		"supports_streaming":    c.SupportsStreaming,
		"supports_native_tools": c.SupportsNativeTools,
	}
}

func (e *ExpressionResolver) Resolve(candidates []Candidate) string {
	for _, rule := range e.rules {
		for _, c := range candidates {
			if rule.Provider != "" && rule.Provider != c.Name {
				continue
			}
			matched, err := expr.Run(rule.Program, candidateEnv(c))
			if err != nil {
				logger.Debug("Selection rule evaluation failed", "provider", c.Name, "error", err)
				continue
			}
			if b, ok := matched.(bool); ok && b {
				return c.Name
			}
		}
	}

	return e.fallback.Resolve(candidates)
}
