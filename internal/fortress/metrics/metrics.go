// Package metrics registers fortress's Prometheus series exactly once
// per process, the same sync.Once idiom the teacher uses for its
// anomaly/mitigation gauges, repointed at adjudication-pipeline
// outcomes instead of per-route anomaly counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortress",
			Name:      "requests_total",
			Help:      "Total requests adjudicated by the pipeline, labeled by final action.",
		},
		[]string{"action"},
	)

	BlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fortress",
			Name:      "blocks_total",
			Help:      "Total blocked requests, labeled by block reason.",
		},
		[]string{"reason"},
	)

	ChallengesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fortress",
			Name:      "challenges_issued_total",
			Help:      "Total proof-of-work challenge pages served.",
		},
	)

	ChallengesSolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fortress",
			Name:      "challenges_solved_total",
			Help:      "Total proof-of-work challenges successfully verified.",
		},
	)

	ProtectionLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fortress",
			Name:      "protection_level",
			Help:      "Current process-wide protection level (0=L0 .. 4=L4).",
		},
	)

	L4ConnectionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fortress",
			Name:      "l4_connections_tracked",
			Help:      "Number of distinct client IPs currently tracked by the L4 admission controller.",
		},
	)

	L4ConnectionsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fortress",
			Name:      "l4_connections_dropped_total",
			Help:      "Total TCP connections dropped at admission before the TLS handshake.",
		},
	)

	ActiveBansGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fortress",
			Name:      "active_bans",
			Help:      "Number of IPs currently auto-banned.",
		},
	)

	registerOnce sync.Once
)

// Register registers every series against reg exactly once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			RequestsTotal,
			BlocksTotal,
			ChallengesIssuedTotal,
			ChallengesSolvedTotal,
			ProtectionLevel,
			L4ConnectionsTracked,
			L4ConnectionsDroppedTotal,
			ActiveBansGauge,
		)
	})
}
