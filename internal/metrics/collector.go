// Package metrics exposes Prometheus collectors for adapter activity.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbridge"

// Collector records inbound events, replies and platform API calls. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry      *prometheus.Registry
	eventsTotal   *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	repliesTotal  *prometheus.CounterVec
	apiErrors     *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
	evictionTotal *prometheus.CounterVec
	startTime     time.Time
}

// NewCollector creates a Collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events converted to canonical form.",
		}, []string{"adapter", "kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events that never reached a listener.",
		}, []string{"adapter", "reason"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies delivered through adapters.",
		}, []string{"adapter", "mode", "status"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Failed platform API calls.",
		}, []string{"adapter", "op"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Latency of platform API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter", "op"}),
		evictionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_state_evictions_total",
			Help:      "Conversation reply states evicted for capacity.",
		}, []string{"adapter"}),
		startTime: time.Now(),
	}
	reg.MustRegister(
		c.eventsTotal, c.droppedTotal, c.repliesTotal,
		c.apiErrors, c.apiDuration, c.evictionTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

func (c *Collector) RecordEvent(adapter, kind string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(adapter, kind).Inc()
}

func (c *Collector) RecordDropped(adapter, reason string) {
	if c == nil {
		return
	}
	c.droppedTotal.WithLabelValues(adapter, reason).Inc()
}

func (c *Collector) RecordReply(adapter, mode string, err error) {
	if c == nil {
		return
	}
	c.repliesTotal.WithLabelValues(adapter, mode, status(err)).Inc()
}

func (c *Collector) RecordEviction(adapter string) {
	if c == nil {
		return
	}
	c.evictionTotal.WithLabelValues(adapter).Inc()
}

// ObserveAPICall records the latency of one platform call and counts it as
// an error when err is non-nil.
func (c *Collector) ObserveAPICall(adapter, op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(adapter, op).Observe(d.Seconds())
	if err != nil {
		c.apiErrors.WithLabelValues(adapter, op).Inc()
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr at path until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr, path string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("metrics server starting", "addr", addr, "path", path)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
