// Package metrics — prometheus счётчики пайплайна.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "breakout_bot"

type Metrics struct {
	TicksProcessed prometheus.Counter
	TicksDropped   *prometheus.CounterVec // reason: overflow|ttl|malformed|late
	CandlesClosed  *prometheus.CounterVec // filled: true|false
	GapsUnfilled   prometheus.Counter

	CandidatesOpened      *prometheus.CounterVec // side
	CandidatesInvalidated *prometheus.CounterVec // reason
	CandidatesCompleted   prometheus.Counter
	CandidatesRejected    *prometheus.CounterVec // candle rejected: out_of_order|duplicate

	BufferUtilization prometheus.Gauge
	Reconnects        prometheus.Counter
	ConnState         *prometheus.GaugeVec

	OrderDecisions *prometheus.CounterVec // decision, reason
	BrokerLatency  *prometheus.HistogramVec
	SafeMode       prometheus.Gauge

	BusHandlerErrors *prometheus.CounterVec // event, subscriber
	PersistErrors    *prometheus.CounterVec // op
}

// DefaultMetrics регистрируется в глобальном реестре один раз на процесс.
var DefaultMetrics = NewMetrics()

func NewMetrics() *Metrics {
	return &Metrics{
		TicksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest",
			Name: "ticks_processed_total", Help: "Ticks folded into candles",
		}),
		TicksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest",
			Name: "ticks_dropped_total", Help: "Ticks dropped before aggregation",
		}, []string{"reason"}),
		CandlesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator",
			Name: "candles_closed_total", Help: "Closed one-minute candles",
		}, []string{"filled"}),
		GapsUnfilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator",
			Name: "gaps_unfilled_total", Help: "Gaps above the fill threshold",
		}),
		CandidatesOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker",
			Name: "candidates_opened_total", Help: "Candidates that confirmed a first breakout",
		}, []string{"side"}),
		CandidatesInvalidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker",
			Name: "candidates_invalidated_total", Help: "Invalidated candidates by reason",
		}, []string{"reason"}),
		CandidatesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker",
			Name: "candidates_completed_total", Help: "Candidates reaching SETUP_COMPLETE",
		}),
		CandidatesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker",
			Name: "candles_rejected_total", Help: "Candles refused by the tracker ordering guard",
		}, []string{"reason"}),
		BufferUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer",
			Name: "utilization_ratio", Help: "Tick buffer size / capacity",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source",
			Name: "reconnects_total", Help: "Tick source reconnect attempts",
		}),
		ConnState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "source",
			Name: "conn_state", Help: "1 for the current connection state",
		}, []string{"state"}),
		OrderDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "order_decisions_total", Help: "Order decisions by outcome",
		}, []string{"decision", "reason"}),
		BrokerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "broker_call_seconds", Help: "Broker call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		SafeMode: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor",
			Name: "safe_mode", Help: "1 while new orders are halted",
		}),
		BusHandlerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus",
			Name: "handler_errors_total", Help: "Failed handler invocations",
		}, []string{"event", "subscriber"}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "state",
			Name: "persist_errors_total", Help: "Failed persistence writes",
		}, []string{"op"}),
	}
}

// Handler отдаёт /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTick() { DefaultMetrics.TicksProcessed.Inc() }

func RecordTickDropped(reason string) { DefaultMetrics.TicksDropped.WithLabelValues(reason).Inc() }

func RecordCandle(filled bool) {
	l := "false"
	if filled {
		l = "true"
	}
	DefaultMetrics.CandlesClosed.WithLabelValues(l).Inc()
}

func RecordOrderDecision(decision, reason string) {
	DefaultMetrics.OrderDecisions.WithLabelValues(decision, reason).Inc()
}

func SetConnState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		DefaultMetrics.ConnState.WithLabelValues(s).Set(v)
	}
}

func SetSafeMode(on bool) {
	if on {
		DefaultMetrics.SafeMode.Set(1)
		return
	}
	DefaultMetrics.SafeMode.Set(0)
}
