// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfers counts transfer decisions by outcome (committed, rejected, override, approved, failed).
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "transfers_total",
		Help:      "Custody transfer decisions by outcome.",
	}, []string{"outcome"})

	QueueUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "queue_upserts_total",
		Help:      "Guardian queue status updates by status.",
	}, []string{"status"})

	ScanRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "scan_rejects_total",
		Help:      "Rejected QR scans by error code.",
	}, []string{"code"})

	SheetRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "sheet_create_races_total",
		Help:      "Concurrent attendance sheet creations resolved by re-reading.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "events_published_total",
		Help:      "Real-time events published by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "schoolgate",
		Name:      "events_dropped_total",
		Help:      "Events not delivered because a subscriber was too slow.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "schoolgate",
		Name:      "event_subscribers",
		Help:      "Currently connected real-time subscribers.",
	})
)
