package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "brewva_session_id"
	turnKey    contextKey = "brewva_turn"
)

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionIDFromContext extracts the session identifier, or "" when absent.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// WithTurn stores the current turn index on the context.
func WithTurn(ctx context.Context, turn int) context.Context {
	if turn < 0 {
		return ctx
	}
	return context.WithValue(ctx, turnKey, turn)
}

// TurnFromContext extracts the turn index, or -1 when absent.
func TurnFromContext(ctx context.Context) int {
	if ctx == nil {
		return -1
	}
	if v, ok := ctx.Value(turnKey).(int); ok {
		return v
	}
	return -1
}
