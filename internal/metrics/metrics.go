// Package metrics exposes Prometheus instrumentation for the governance
// engine. Collectors are registered on the default registry and served from
// the API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration observes request latency by method, route pattern
	// and status class.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crewbase",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// GateDecisions counts access gate outcomes, labelled by the decision
	// ("allowed" or the denial error code).
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewbase",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Access gate decisions by outcome code.",
	}, []string{"decision"})

	// NotificationsFired counts threshold notifications that won the insert
	// race and were dispatched.
	NotificationsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewbase",
		Subsystem: "usage",
		Name:      "notifications_fired_total",
		Help:      "Usage threshold notifications created, by resource and threshold.",
	}, []string{"resource", "threshold"})

	// NotificationDedupHits counts attempts that lost the insert race to a
	// concurrent check. A nonzero rate is normal under load.
	NotificationDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crewbase",
		Subsystem: "usage",
		Name:      "notification_dedup_hits_total",
		Help:      "Threshold notification attempts suppressed by the uniqueness constraint.",
	})

	// SweepTransitions counts subscriptions transitioned by the expiry sweep.
	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewbase",
		Subsystem: "sweep",
		Name:      "transitions_total",
		Help:      "Subscriptions transitioned by the periodic expiry sweep, by kind.",
	}, []string{"kind"})

	// CacheLookups counts subscription cache hits and misses.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewbase",
		Subsystem: "subscription_cache",
		Name:      "lookups_total",
		Help:      "Subscription cache lookups by result.",
	}, []string{"result"})
)
