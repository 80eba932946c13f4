// Package metrics collects and exposes Prometheus metrics for a manager
// or worker process.
//
// Metric categories:
//
//  1. Task counters - cumulative, monotonically increasing:
//     - taskmsgr_tasks_submitted_total
//     - taskmsgr_tasks_dispatched_total
//     - taskmsgr_tasks_completed_total
//     - taskmsgr_tasks_failed_total
//
//  2. Latency (histogram):
//     - taskmsgr_task_latency_seconds: dispatch-to-terminal latency
//
//  3. Pool/session gauges:
//     - taskmsgr_pool_ready / taskmsgr_pool_reserved / taskmsgr_pool_in_flight
//     - taskmsgr_sessions_connected
//
// Exposed via /metrics, scraped by Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the task pool and sessions.
type Collector struct {
	tasksSubmitted  prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter

	taskLatency prometheus.Histogram

	poolReady    prometheus.Gauge
	poolReserved prometheus.Gauge
	poolInFlight prometheus.Gauge

	sessionsConnected prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmsgr_tasks_submitted_total",
			Help: "Total number of tasks submitted to the pool",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmsgr_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmsgr_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmsgr_tasks_failed_total",
			Help: "Total number of tasks that reached the Failed state",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmsgr_task_latency_seconds",
			Help:    "Dispatch-to-terminal latency for a task",
			Buckets: prometheus.DefBuckets,
		}),
		poolReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmsgr_pool_ready",
			Help: "Current number of Ready tasks in the pool",
		}),
		poolReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmsgr_pool_reserved",
			Help: "Current number of Reserved tasks in the pool",
		}),
		poolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmsgr_pool_in_flight",
			Help: "Current number of InFlight tasks in the pool",
		}),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmsgr_sessions_connected",
			Help: "Current number of connected worker sessions",
		}),
	}

	prometheus.MustRegister(c.tasksSubmitted)
	prometheus.MustRegister(c.tasksDispatched)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.tasksFailed)
	prometheus.MustRegister(c.taskLatency)
	prometheus.MustRegister(c.poolReady)
	prometheus.MustRegister(c.poolReserved)
	prometheus.MustRegister(c.poolInFlight)
	prometheus.MustRegister(c.sessionsConnected)

	return c
}

// RecordSubmit records a task entering the pool. A nil Collector is a no-op,
// so callers (e.g. taskpool.Pool) can hold an optional *Collector without
// nil-checking at every call site.
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordDispatch records a task being written to a worker's stream.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordCompleted records a successful terminal transition and its latency
// since dispatch.
func (c *Collector) RecordCompleted(since time.Time) {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(time.Since(since).Seconds())
}

// RecordFailed records a failed terminal transition and its latency since
// dispatch.
func (c *Collector) RecordFailed(since time.Time) {
	if c == nil {
		return
	}
	c.tasksFailed.Inc()
	c.taskLatency.Observe(time.Since(since).Seconds())
}

// UpdatePoolStats sets the pool gauges from a taskpool.Pool.Stats() snapshot.
func (c *Collector) UpdatePoolStats(ready, reserved, inFlight int) {
	if c == nil {
		return
	}
	c.poolReady.Set(float64(ready))
	c.poolReserved.Set(float64(reserved))
	c.poolInFlight.Set(float64(inFlight))
}

// SetSessionsConnected sets the connected-worker gauge.
func (c *Collector) SetSessionsConnected(n int) {
	if c == nil {
		return
	}
	c.sessionsConnected.Set(float64(n))
}

// StartServer starts a Prometheus /metrics HTTP server on port. It blocks
// until the server stops or fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
