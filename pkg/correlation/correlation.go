// Package correlation carries the request correlation id through contexts,
// HTTP headers, gRPC metadata and event payloads.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	Header      = "X-Correlation-ID"
	MetadataKey = "x-correlation-id"

	maxLength = 128
)

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id or "" when none is attached.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx unchanged if it already carries an id, otherwise attaches a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}

	id := New()
	return WithID(ctx, id), id
}

// Sanitize trims an inbound id and drops it when empty or oversized.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ""
	}

	return id
}
