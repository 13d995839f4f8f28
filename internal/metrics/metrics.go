// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts IOC submissions accepted into the pipeline.
	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatnet_submissions_total",
		Help: "IOC submissions processed by the aggregator.",
	})

	// VerifiedTotal counts consensus promotions by threat level.
	VerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatnet_verified_total",
		Help: "IOCs promoted to verified, by threat level.",
	}, []string{"threat_level"})

	// ExpiredTotal counts IOCs expired by the sweep or admin action.
	ExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threatnet_expired_total",
		Help: "IOCs marked expired.",
	})

	// BroadcastsTotal counts outbound fan-out events by event name.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatnet_broadcasts_total",
		Help: "Events fanned out to connected clients, by event.",
	}, []string{"event"})

	// DroppedEventsTotal counts events shed under back-pressure.
	DroppedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threatnet_dropped_events_total",
		Help: "Outbound events dropped by the back-pressure policy, by event.",
	}, []string{"event"})

	// ConnectedClients tracks live sessions.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threatnet_connected_clients",
		Help: "Currently connected client sessions.",
	})
)
