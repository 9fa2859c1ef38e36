package tlsbridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tlsbridge_active_sessions",
		Help: "Number of sessions currently holding a buffer slot.",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlsbridge_sessions_total",
		Help: "Total number of sessions admitted.",
	})

	sessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tlsbridge_sessions_rejected_total",
		Help: "Connections shed because no buffer slot freed up in time.",
	})

	forwardedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tlsbridge_forwarded_bytes_total",
		Help: "Bytes forwarded through the bridge, by direction.",
	}, []string{"direction"})

	exchangeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tlsbridge_exchanges_total",
		Help: "Completed exchanges, by outcome.",
	}, []string{"outcome"})

	ttfbSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tlsbridge_ttfb_seconds",
		Help:    "Time from the first request byte to the first response byte.",
		Buckets: prometheus.DefBuckets,
	})
)
