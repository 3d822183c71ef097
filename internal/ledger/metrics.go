package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	outcomeSuccess  = "success"
	outcomeQueued   = "queued"
	outcomeFailed   = "failed"
	outcomeRetry    = "retry"
	outcomeAbandon  = "abandoned"
	outcomeRejected = "rejected"
)

var (
	// requestsTotal counts Request calls by how they ended: success (answered
	// immediately), queued, failed (persisted as failed) or rejected.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_requests_total",
			Help: "Requests submitted to the ledger by outcome.",
		},
		[]string{"outcome"},
	)

	// replayAttempts counts drain attempts by outcome.
	replayAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_replay_attempts_total",
			Help: "Replay attempts by outcome.",
		},
		[]string{"outcome"},
	)

	replayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_replay_duration_seconds",
			Help:    "Duration of single request attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	replayInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_replay_inflight",
			Help: "Request attempts currently in flight.",
		},
	)

	drainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_drains_total",
			Help: "Queue drains by trigger (manual or auto).",
		},
		[]string{"trigger"},
	)

	recoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_recovered_entries_total",
			Help: "Stale processing entries returned to pending at startup.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, replayAttempts, replayDuration, replayInflight, drainsTotal, recoveredTotal)
}
