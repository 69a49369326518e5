package util

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// NewRequestID mints the id attached to each incoming request and echoed in
// the X-Request-ID response header.
func NewRequestID() string {
	return uuid.New().String()
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored by the request-id middleware, or the
// empty string when the context carries none. It never invents an id; a
// logged request id must always match an X-Request-ID header that was
// actually sent.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
