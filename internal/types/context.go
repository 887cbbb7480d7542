package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches the request ID used to correlate log lines across
// a single API call or callback delivery.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID, or "" when none was attached.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
