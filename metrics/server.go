// Package metrics exposes prometheus metrics for the storage engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves a dedicated prometheus registry on its own listener.
type MetricsServer struct {
	registry *prometheus.Registry
	storage  *StorageMetrics
	srv      *http.Server
}

// New creates a metrics server with its own registry and storage metrics
// registered under namespace.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	storage, err := NewStorageMetrics(namespace, registry)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &MetricsServer{
		registry: registry,
		storage:  storage,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

// Storage returns the engine metrics registered on this server.
func (m *MetricsServer) Storage() *StorageMetrics {
	return m.storage
}

func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

// ListenAndServe serves /metrics on the configured address.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
