// Package metrics exposes the anchoring service's Prometheus
// instrumentation: how often proposals are created, signatures
// collected, anchors finalized, LECT refreshes succeed or fail, and
// Bitcoin RPC calls fail.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the anchoring service's Prometheus collectors.
type Metrics struct {
	ProposalsCreated    prometheus.Counter
	SignaturesCollected prometheus.Counter
	AnchorsFinalized    prometheus.Counter
	LectRefreshSuccess  prometheus.Counter
	LectRefreshFailure  prometheus.Counter
	RPCFailures         *prometheus.CounterVec
	CollectedSignatures prometheus.Gauge
}

// New creates the collectors and registers them against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anchoring_proposals_created_total",
			Help: "Number of local anchoring proposals created by this node.",
		}),
		SignaturesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anchoring_signatures_collected_total",
			Help: "Number of Signature messages this node has broadcast.",
		}),
		AnchorsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anchoring_finalized_total",
			Help: "Number of anchoring transactions this node has finalized and broadcast.",
		}),
		LectRefreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anchoring_lect_refresh_success_total",
			Help: "Number of LECT refresh cycles that found a usable chain tip.",
		}),
		LectRefreshFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anchoring_lect_refresh_failure_total",
			Help: "Number of LECT refresh cycles that failed to resolve a chain tip.",
		}),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anchoring_rpc_failures_total",
			Help: "Number of Bitcoin RPC calls that failed, by method.",
		}, []string{"method"}),
		CollectedSignatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anchoring_local_proposal_signatures",
			Help: "Distinct validator signatures collected for this node's standing local proposal.",
		}),
	}

	reg.MustRegister(
		m.ProposalsCreated,
		m.SignaturesCollected,
		m.AnchorsFinalized,
		m.LectRefreshSuccess,
		m.LectRefreshFailure,
		m.RPCFailures,
		m.CollectedSignatures,
	)
	return m
}

// NewForTesting builds a Metrics instance registered against a private
// registry, for tests and call sites that don't want to touch the
// default global registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
