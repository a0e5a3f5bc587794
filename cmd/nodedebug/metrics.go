package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ocricci/nodedebug/engine"
)

// serveMetrics mounts the session's Prometheus registry on addr using
// stdlib net/http — the teacher never runs an HTTP server, so there's no
// pack precedent for a router library here, and one handler doesn't
// warrant one.
func serveMetrics(addr string, m *engine.Metrics, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}
