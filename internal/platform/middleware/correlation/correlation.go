package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header propagates the request's correlation id across services.
const Header = "X-Correlation-Id"

type contextKey struct{}

// Middleware echoes an inbound correlation id on the response, generating one
// when absent, and makes it available to handlers through the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// FromContext returns the request's correlation id, or "" outside a request.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// WithID injects a correlation id into a context. For tests and non-HTTP callers.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}
