package policy

import "context"

type contextKey string

const agentContextKey contextKey = "strand:agentContext"

// WithAgentContext attaches the caller's capability bundle to ctx. The
// tool router does this before dispatching so identity-aware tools can
// scope their effects.
func WithAgentContext(ctx context.Context, agentCtx *AgentContext) context.Context {
	return context.WithValue(ctx, agentContextKey, agentCtx)
}

// AgentContextFrom returns the capability bundle attached to ctx, if any.
func AgentContextFrom(ctx context.Context) (*AgentContext, bool) {
	agentCtx, ok := ctx.Value(agentContextKey).(*AgentContext)
	return agentCtx, ok
}
