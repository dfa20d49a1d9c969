package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the coordination engine. Telemetry here is advisory:
// nothing in the engine branches on these values.
var (
	// Bus metrics
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_bus_published_total",
		Help: "Total envelopes published, by topic",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_bus_dropped_total",
		Help: "Envelopes dropped because a subscriber mailbox was full",
	}, []string{"topic"})

	BusSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overlay_bus_subscribers",
		Help: "Current subscriber count, by topic",
	}, []string{"topic"})

	// Producer metrics, emitted on every broadcast
	ProducerBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overlay_producer_broadcasts_total",
		Help: "Total state broadcasts on stream:updates",
	})

	ProducerInterrupts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overlay_producer_interrupts",
		Help: "Current interrupt stack depth",
	})

	ProducerTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overlay_producer_timers",
		Help: "Current armed interrupt timer count",
	})

	ProducerStateVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overlay_producer_state_version",
		Help: "Monotonic producer state version",
	})

	// Correlation metrics
	CorrelationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_correlations_total",
		Help: "Correlations emitted, by pattern",
	}, []string{"pattern"})

	CorrelationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "overlay_correlations_deduped_total",
		Help: "Correlations dropped by fingerprint deduplication",
	})

	// OAuth metrics
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_token_refresh_total",
		Help: "Token refresh attempts, by service and outcome",
	}, []string{"service", "outcome"})

	// Circuit breaker transitions
	BreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by service and new state",
	}, []string{"service", "state"})

	// WebSocket connection metrics
	WSReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_ws_reconnects_total",
		Help: "WebSocket reconnect attempts, by connection name",
	}, []string{"name"})
)
