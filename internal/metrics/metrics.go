package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lock metrics

	// LockAcquisitions tracks acquire attempts by outcome
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Lock acquire attempts by outcome",
		},
		[]string{"key", "result"}, // result: acquired, stolen, exists, timeout, clock_offset, error
	)

	// LockTouches tracks lease renewals by outcome
	LockTouches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "lock",
			Name:      "touches_total",
			Help:      "Lease renewal attempts by outcome",
		},
		[]string{"key", "result"}, // result: renewed, lost, error
	)

	// LockReleases tracks releases
	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "lock",
			Name:      "releases_total",
			Help:      "Lock releases by outcome",
		},
		[]string{"key", "result"}, // result: released, not_owned, forced
	)

	// Elector metrics

	// ElectorPolls tracks poll cycles by the state they ended in
	ElectorPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "elector",
			Name:      "polls_total",
			Help:      "Elector poll cycles by resulting state",
		},
		[]string{"key", "state"},
	)

	// ElectorLeader tracks whether a node currently holds leadership
	ElectorLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mongoelector",
			Subsystem: "elector",
			Name:      "is_leader",
			Help:      "1 while this node holds leadership for the key",
		},
		[]string{"key", "node"},
	)

	// ElectorTransitions tracks leadership gains and losses
	ElectorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "elector",
			Name:      "transitions_total",
			Help:      "Leadership transitions by direction",
		},
		[]string{"key", "direction"}, // direction: elected, lost
	)

	// Store metrics

	// StoreErrors tracks transport failures by operation
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mongoelector",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Store transport failures by operation",
		},
		[]string{"op"},
	)

	// StoreOpDuration tracks store round-trip latency
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mongoelector",
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Store operation round-trip time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// StoreOpTimer starts a latency observation for a store operation.
func StoreOpTimer(op string) *prometheus.Timer {
	return prometheus.NewTimer(StoreOpDuration.WithLabelValues(op))
}
