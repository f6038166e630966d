// Package metrics holds the prometheus collectors shared by the presence and
// chat components. Collectors are registered once on the default registry.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeats counts heartbeat outcomes: accepted, dropped, failed.
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by outcome",
		},
		[]string{"outcome"},
	)

	// StatusTransitions counts published status changes by status and origin.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "presence",
			Name:      "status_transitions_total",
			Help:      "Status change events published",
		},
		[]string{"status", "origin"},
	)

	// ReaperCandidates counts reaper decisions: reaped, race_lost, error.
	ReaperCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "reaper",
			Name:      "candidates_total",
			Help:      "Expired liveness candidates processed, by result",
		},
		[]string{"shard", "result"},
	)

	// ReaperCycleSeconds observes the duration of one reaper cycle.
	ReaperCycleSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "reaper",
			Name:      "cycle_seconds",
			Help:      "Duration of one reaper cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// MessageCache counts message window lookups: hit, miss, fallback, append_failed.
	MessageCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "chat",
			Name:      "message_cache_total",
			Help:      "Message window cache events",
		},
		[]string{"event"},
	)

	// BroadcastDropped counts payloads not delivered because a subscriber's
	// queue was full.
	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Broadcast payloads dropped for slow subscribers",
		},
	)

	// ActiveConnections tracks open websocket connections per gateway.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chorus",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Open websocket connections",
		},
		[]string{"gateway"},
	)
)

// Handler exposes the default registry for a gin router.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
