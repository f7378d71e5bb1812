package main

import (
	"net/http"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// startMetricsServer serves the registry in the background. It returns nil
// when no listen address is configured.
func startMetricsServer(config *MetricsConfig, registry *prometheus.Registry) *http.Server {
	if len(config.ListenAddress) == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		dlog.Noticef("Serving metrics on http://%s%s", config.ListenAddress, config.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			dlog.Errorf("Metrics server error: %v", err)
		}
	}()
	return server
}
