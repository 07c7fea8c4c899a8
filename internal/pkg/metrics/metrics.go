// Package metrics provides Prometheus metrics for the change intelligence
// engine. Scrapeable at /metrics; dashboards rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deplyx"

var (
	// ChangesSubmittedTotal counts submits by outcome (accepted, blocked, invalid).
	ChangesSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_submitted_total",
			Help:      "Total number of change submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// ChangeTransitionsTotal counts workflow transitions by target status.
	ChangeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_transitions_total",
			Help:      "Total number of change status transitions by target status.",
		},
		[]string{"to"},
	)

	// ImpactAnalysisDurationSeconds is the impact traversal latency.
	ImpactAnalysisDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "impact_analysis_duration_seconds",
			Help:      "Impact analysis duration in seconds by traversal strategy.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"strategy"},
	)

	// ImpactCacheHitsTotal counts impact snapshot cache hits.
	ImpactCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impact_cache_hits_total",
			Help:      "Total number of impact snapshot cache hits.",
		},
	)

	// ImpactCacheMissesTotal counts impact snapshot cache misses.
	ImpactCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impact_cache_misses_total",
			Help:      "Total number of impact snapshot cache misses.",
		},
	)

	// PolicyBlocksTotal counts submits refused by guardrail policies.
	PolicyBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_blocks_total",
			Help:      "Total number of submits blocked by policies.",
		},
	)

	// ApprovalsExpiredTotal counts approvals expired by the reaper.
	ApprovalsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_expired_total",
			Help:      "Total number of approvals expired past their deadline.",
		},
	)

	// SyncRunsTotal counts connector sync runs by result.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Total number of connector sync runs by result.",
		},
		[]string{"connector", "result"},
	)

	// SyncDurationSeconds is the per-connector sync latency.
	SyncDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Connector sync duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"connector"},
	)

	// GraphRevision is the current graph store revision.
	GraphRevision = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_revision",
			Help:      "Current topology graph revision.",
		},
	)

	// GraphNodes is the current node count in the graph store.
	GraphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Number of nodes in the topology graph.",
		},
	)

	// HTTPRequestTotal counts HTTP requests by method, route template, and status.
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is the HTTP request latency by route template.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)
)
