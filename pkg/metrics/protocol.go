package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bidmesh"

var (
	// MessagesTotal counts inbound messages by variant and outcome
	// (applied, duplicate, buffered, rejected, dropped).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound protocol messages by variant and outcome.",
		},
		[]string{"variant", "outcome", "origin"},
	)

	BufferedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffered_messages",
		Help:      "Messages waiting for their causal predecessor.",
	})

	BufferExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buffer_expired_total",
		Help:      "Buffered messages discarded after the retention window.",
	})

	OrdersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_expired_total",
		Help:      "Orders moved to EXPIRED by the sweeper.",
	})

	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound sends by result (delivered, duplicate, permanent, exhausted).",
		},
		[]string{"result"},
	)

	SendAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_attempts_total",
		Help:      "Transport delivery attempts including retries.",
	})

	CustodyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_failures_total",
			Help:      "Failed custody actions by action.",
		},
		[]string{"action"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Per-peer circuit breaker state (0/1).",
		},
		[]string{"peer", "state"}, // state: closed/open/half_open
	)

	ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "apply_duration_seconds",
		Help:      "Latency of ApplyAndSave including store I/O.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"store"})
)

var registerOnce sync.Once

// MustRegister registers the protocol collectors with the default registry.
// Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesTotal, BufferedMessages, BufferExpiredTotal, OrdersExpiredTotal,
			SendsTotal, SendAttemptsTotal, CustodyFailuresTotal, BreakerState, ApplyDuration,
		)
	})
}
