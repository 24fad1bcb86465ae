package metadata

import (
	"context"
	"net/http"
	"strings"
)

// Context keys for client metadata.
type contextKeyClientIP struct{}
type contextKeyUserAgent struct{}
type contextKeyForwardedFor struct{}
type contextKeyDeviceID struct{}

// DeviceIDHeader is the client-supplied device identifier, when present.
const DeviceIDHeader = "X-Device-Id"

// ClientMetadata extracts the client IP, the raw forwarded-for chain, the
// User-Agent, and the device id header from the request and stores them in
// the context for handlers and the enrichment stage. Apply early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextKeyClientIP{}, ClientIPFromRequest(r))
		ctx = context.WithValue(ctx, contextKeyForwardedFor{}, r.Header.Get("X-Forwarded-For"))
		ctx = context.WithValue(ctx, contextKeyUserAgent{}, r.Header.Get("User-Agent"))
		ctx = context.WithValue(ctx, contextKeyDeviceID{}, r.Header.Get(DeviceIDHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClientIP retrieves the client IP address from the context.
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKeyClientIP{}).(string); ok {
		return ip
	}
	return ""
}

// GetForwardedFor retrieves the raw X-Forwarded-For chain from the context.
func GetForwardedFor(ctx context.Context) string {
	if chain, ok := ctx.Value(contextKeyForwardedFor{}).(string); ok {
		return chain
	}
	return ""
}

// GetUserAgent retrieves the User-Agent from the context.
func GetUserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(contextKeyUserAgent{}).(string); ok {
		return ua
	}
	return ""
}

// GetDeviceID retrieves the client-supplied device id from the context.
func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyDeviceID{}).(string); ok {
		return id
	}
	return ""
}

// WithClientMetadata injects client metadata into a context. Useful for
// service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, contextKeyClientIP{}, clientIP)
	ctx = context.WithValue(ctx, contextKeyUserAgent{}, userAgent)
	return ctx
}

// WithForwardedFor injects a raw forwarded-for chain into a context.
func WithForwardedFor(ctx context.Context, chain string) context.Context {
	return context.WithValue(ctx, contextKeyForwardedFor{}, chain)
}

// WithDeviceID injects a device id into a context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKeyDeviceID{}, id)
}

// ClientIPFromRequest extracts the nearest client IP, handling proxies and
// load balancers. The admission layer keys rate limits off this value; the
// enrichment stage does its own trusted-proxy walk over the full chain.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client in the common single-proxy case.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" (or "[::1]:port" for IPv6).
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return strings.Trim(addr[:idx], "[]")
		}
		return addr
	}

	return "unknown"
}
