package gateway

import "context"

type contextKey int

const decisionKey contextKey = iota

// WithDecision stores a validation decision in the context for downstream
// handlers.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext retrieves the validation decision, if any, from the
// context.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionKey).(*Decision)
	return d, ok
}
