package protocol

import "context"

type contextKey string

const (
	runIDKey      contextKey = "strand:runID"
	sessionKeyKey contextKey = "strand:sessionKey"
)

// WithRunID binds the run id into the context for downstream services.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run id, or "" when unset.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionKey binds the session key into the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// SessionKeyFromContext extracts the session key, or "" when unset.
func SessionKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sessionKeyKey).(string); ok {
		return v
	}
	return ""
}
