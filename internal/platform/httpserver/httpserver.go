package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for an ingest workload:
// short header reads keep slowloris clients from pinning connections, and
// the idle timeout recycles keep-alives from bursty producers.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
