package httpmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := newWith(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/dashboard/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/events", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	server := httptest.NewServer(r)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/dashboard/stats")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(server.URL+"/api/events", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	got := testutil.ToFloat64(m.requests.WithLabelValues("/api/dashboard/stats", http.MethodGet, "200"))
	assert.Equal(t, 1.0, got)
	got = testutil.ToFloat64(m.requests.WithLabelValues("/api/events", http.MethodPost, "202"))
	assert.Equal(t, 1.0, got)
}
