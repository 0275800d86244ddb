package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry         *prometheus.Registry
	runsTotal        *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	transferAttempts *prometheus.CounterVec
	inflightParts    prometheus.Gauge
	duration         *prometheus.HistogramVec
}

// New creates a collector on its own registry, so several collectors can
// coexist in one process.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the dsync metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_runs_total",
				Help: "Total number of runs by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_bytes_total",
				Help: "Total bytes written by backups or sent by uploads",
			},
			[]string{"kind"},
		),
		transferAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsync_transfer_attempts_total",
				Help: "Transfer attempts by destination and outcome",
			},
			[]string{"destination", "outcome"},
		),
		inflightParts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsync_inflight_parts",
				Help: "Number of multipart parts currently uploading",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsync_run_duration_seconds",
				Help:    "Time taken by a run",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(c.runsTotal, c.bytesTotal, c.transferAttempts, c.inflightParts, c.duration)
	return c
}

// RunFinished records a run outcome and its duration.
func (c *Collector) RunFinished(kind string, ok bool, duration time.Duration) {
	status := "success"
	if !ok {
		status = "failed"
	}
	c.runsTotal.WithLabelValues(kind, status).Inc()
	c.duration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddBytes adds to the byte counter for kind
func (c *Collector) AddBytes(kind string, bytes int64) {
	c.bytesTotal.WithLabelValues(kind).Add(float64(bytes))
}

// TransferAttempt counts one attempt against destination.
func (c *Collector) TransferAttempt(destination, outcome string) {
	c.transferAttempts.WithLabelValues(destination, outcome).Inc()
}

// IncInflight and DecInflight track concurrently uploading parts.
func (c *Collector) IncInflight() { c.inflightParts.Inc() }
func (c *Collector) DecInflight() { c.inflightParts.Dec() }

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is done.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
