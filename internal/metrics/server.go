package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer builds the metrics HTTP server bound to addr, exposing /metrics
// and /healthz. A nil/empty addr means metrics are disabled; callers should
// check addr before calling NewServer.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// RegisterRuntimeCollector registers a RuntimeCollector under namespace/subsystem
// against the default Prometheus registry.
func RegisterRuntimeCollector(namespace, subsystem string) {
	prometheus.MustRegister(NewRuntimeCollector(namespace, subsystem))
}

// Shutdown gracefully stops srv, bounding the wait by ctx.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
