// Package metrics exposes cycle and proxy counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ndt-reporter/pkg/models"
)

const namespace = "ndt_reporter"

type Metrics struct {
	registry *prometheus.Registry
	cycles   *prometheus.CounterVec
	download prometheus.Gauge
	upload   prometheus.Gauge
	probes   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Account cycles by outcome.",
		}, []string{"outcome"}),
		download: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_mbps",
			Help:      "Download speed of the latest measurement.",
		}),
		upload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_mbps",
			Help:      "Upload speed of the latest measurement.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_probes_total",
			Help:      "Proxy liveness probes by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.cycles, m.download, m.upload, m.probes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCycle(outcome string) {
	m.cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSample(s models.SpeedSample) {
	m.download.Set(s.DownloadMbps)
	m.upload.Set(s.UploadMbps)
}

func (m *Metrics) ObserveProbe(alive bool) {
	result := "dead"
	if alive {
		result = "alive"
	}
	m.probes.WithLabelValues(result).Inc()
}

// Registry is exposed for tests and additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
