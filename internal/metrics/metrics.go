// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStats is implemented by the worker pool.
type PoolStats interface {
	Running() int
	Waiting() uint64
}

// Metrics holds the application's collectors on a private registry.
type Metrics struct {
	reg          *prometheus.Registry
	tasks        *prometheus.CounterVec
	taskAttempts *prometheus.HistogramVec
	taskDuration *prometheus.HistogramVec
	crawls       *prometheus.CounterVec
	sends        *prometheus.CounterVec
	reviewItems  prometheus.Counter
	sweeps       *prometheus.CounterVec
}

// New registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_tasks_total", Help: "Finished pipeline tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "outreach_task_attempts", Help: "Attempts per finished task.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "outreach_task_duration_seconds", Help: "Wall time of finished tasks including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		crawls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_crawls_total", Help: "Crawl results by outcome.",
		}, []string{"outcome"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_sends_total", Help: "Dispatch results by status.",
		}, []string{"status"}),
		reviewItems: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_review_items_created_total", Help: "Review items created.",
		}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_sweeps_total", Help: "Scheduled sweep runs by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// TaskFinished records a finished worker task.
func (m *Metrics) TaskFinished(kind, outcome string, attempts int, took time.Duration) {
	m.tasks.WithLabelValues(kind, outcome).Inc()
	m.taskAttempts.WithLabelValues(kind).Observe(float64(attempts))
	m.taskDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// Crawl records a crawl outcome such as "completed" or "failed".
func (m *Metrics) Crawl(outcome string) {
	m.crawls.WithLabelValues(outcome).Inc()
}

// Send records a dispatch result such as "sent", "blocked" or "deferred".
func (m *Metrics) Send(status string) {
	m.sends.WithLabelValues(status).Inc()
}

// ReviewItemsCreated adds n created review items.
func (m *Metrics) ReviewItemsCreated(n int) {
	m.reviewItems.Add(float64(n))
}

// Sweep records a sweep run; result is "ran" or "skipped".
func (m *Metrics) Sweep(kind, result string) {
	m.sweeps.WithLabelValues(kind, result).Inc()
}

// WatchPool exports gauges for the pool's busy workers and queue length.
func (m *Metrics) WatchPool(p PoolStats) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "outreach_workers_running", Help: "Busy pool workers.",
	}, func() float64 { return float64(p.Running()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "outreach_tasks_waiting", Help: "Tasks queued in the pool.",
	}, func() float64 { return float64(p.Waiting()) })
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
