package apikey

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Header carries the shared intake secret.
const Header = "X-Api-Key"

// exemptPrefixes are routes that must stay reachable without a key: liveness
// probes and the read-only dashboard.
var exemptPrefixes = []string{"/health", "/metrics", "/api/dashboard"}

// Require rejects requests whose shared-secret header is missing or wrong.
func Require(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range exemptPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			presented := r.Header.Get(Header)
			if presented == "" {
				writeUnauthorized(w, "API key was not provided")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				logger.WarnContext(r.Context(), "rejected request with invalid api key", "path", r.URL.Path)
				writeUnauthorized(w, "unauthorized client")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
