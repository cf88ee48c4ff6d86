package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	RelayTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lucasmed",
			Subsystem: "relay",
			Name:      "turns_total",
			Help:      "Relayed generation turns by terminal outcome",
		},
		[]string{"route", "outcome"},
	)

	RelayChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lucasmed",
			Subsystem: "relay",
			Name:      "chunks_total",
			Help:      "Token events emitted downstream",
		},
		[]string{"route"},
	)

	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lucasmed",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time from upstream request to terminal event",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
		},
		[]string{"route"},
	)

	// Store
	StoreAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lucasmed",
			Subsystem: "store",
			Name:      "appends_total",
			Help:      "Message appends by sender and result",
		},
		[]string{"sender", "result"},
	)

	StorePageReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lucasmed",
			Subsystem: "store",
			Name:      "page_reads_total",
			Help:      "Paginated reads, including live-tail recomputes",
		},
	)

	LiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lucasmed",
			Subsystem: "store",
			Name:      "live_subscriptions",
			Help:      "Open live-tail subscriptions",
		},
	)
)
