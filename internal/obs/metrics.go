// Package obs holds the Prometheus metrics the engine updates during
// operation, served at /metrics:
//   - lotbot_confirmations_total{type}     – confirmations applied
//   - lotbot_unmatched_total               – confirmations with no candidate
//   - lotbot_retries_total                 – chase orders submitted
//   - lotbot_retry_exhausted_total         – lots abandoned at max retries
//   - lotbot_exits_total{reason}           – exit orders acknowledged
//   - lotbot_exit_contention_total         – exit triggers lost to the lock
//   - lotbot_persist_queue_depth           – persistence backlog (gauge)
//   - lotbot_persist_dropped_total         – low-priority tasks dropped
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotbot_confirmations_total",
			Help: "Confirmations applied by the reconciliation engine",
		},
		[]string{"type"},
	)

	Unmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_unmatched_total",
			Help: "Confirmations with no reconciliation candidate at max tolerance",
		},
	)

	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_retries_total",
			Help: "Chase orders submitted by the retry controller",
		},
	)

	RetryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_retry_exhausted_total",
			Help: "Lots abandoned after hitting the retry budget",
		},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotbot_exits_total",
			Help: "Exit orders acknowledged, split by reason",
		},
		[]string{"reason"},
	)

	ExitContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_exit_contention_total",
			Help: "Exit triggers rejected because the exit lock was held",
		},
	)

	PersistQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lotbot_persist_queue_depth",
			Help: "Tasks waiting in the persistence queue",
		},
	)

	PersistDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_persist_dropped_total",
			Help: "Low-priority persistence tasks dropped on queue-full",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Confirmations,
		Unmatched,
		Retries,
		RetryExhausted,
		Exits,
		ExitContention,
		PersistQueueDepth,
		PersistDropped,
	)
}

// Serve exposes /metrics on the given port. Blocks; run in a goroutine.
func Serve(host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf("%s:%d", host, port), mux)
}
