package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"pulsegate/internal/platform/middleware/metadata"
)

// bypassPrefixes skip admission entirely: liveness probes and the read-only
// dashboard must stay reachable during overload.
var bypassPrefixes = []string{"/health", "/metrics", "/api/dashboard"}

// Middleware applies the admission check to every non-exempt request and
// writes a 429 with a Retry-After header on reject.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range bypassPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		decision := c.Admit(metadata.GetClientIP(r.Context()))
		if !decision.Allowed {
			writeThrottled(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeThrottled(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             "TooManyRequests",
		"message":           d.Reason,
		"retryAfterSeconds": d.RetryAfter,
	})
}
