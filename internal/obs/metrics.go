package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registry for the liquidation pipeline.
type Metrics struct {
	RPCLatency       *prometheus.HistogramVec
	RPCFailures      *prometheus.CounterVec
	PriceEvents      *prometheus.CounterVec
	PriceRejections  *prometheus.CounterVec
	ScanChecks       *prometheus.CounterVec
	Attempted        prometheus.Counter
	Liquidations     prometheus.Counter
	Failed           prometheus.Counter
	SkippedUnprofit  prometheus.Counter
	CompetitorBeats  prometheus.Counter
	CircuitBreakerOn prometheus.Gauge
	SubmitLatency    *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Registry returns the lazily-initialised, process-wide metrics registry.
func Registry() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liquidator",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Latency of RPC calls segmented by chain and method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain", "method"}),
			RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "rpc",
				Name:      "failures_total",
				Help:      "Total RPC call failures segmented by chain and endpoint.",
			}, []string{"chain", "endpoint"}),
			PriceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "pricefeed",
				Name:      "events_total",
				Help:      "Total accepted price updates segmented by chain and token.",
			}, []string{"chain", "token"}),
			PriceRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "pricefeed",
				Name:      "rejections_total",
				Help:      "Total cross-validation rejections segmented by chain and token.",
			}, []string{"chain", "token"}),
			ScanChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "scanner",
				Name:      "checks_total",
				Help:      "Total borrower checks performed segmented by chain and protocol.",
			}, []string{"chain", "protocol"}),
			Attempted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "attempted_total",
				Help:      "Total liquidation attempts submitted.",
			}),
			Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "success_total",
				Help:      "Total liquidations confirmed on-chain.",
			}),
			Failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "failed_total",
				Help:      "Total liquidation submissions that reverted.",
			}),
			SkippedUnprofit: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "skipped_unprofitable_total",
				Help:      "Total candidates skipped as unprofitable.",
			}),
			CompetitorBeats: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "competitor_beats_total",
				Help:      "Total candidates lost to a competing liquidator.",
			}),
			CircuitBreakerOn: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "liquidator",
				Subsystem: "controlplane",
				Name:      "circuit_breaker_open",
				Help:      "1 if the circuit breaker is currently open, 0 otherwise.",
			}),
			SubmitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "liquidator",
				Subsystem: "executor",
				Name:      "submit_duration_seconds",
				Help:      "Latency of transaction submission segmented by mode.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			metrics.RPCLatency,
			metrics.RPCFailures,
			metrics.PriceEvents,
			metrics.PriceRejections,
			metrics.ScanChecks,
			metrics.Attempted,
			metrics.Liquidations,
			metrics.Failed,
			metrics.SkippedUnprofit,
			metrics.CompetitorBeats,
			metrics.CircuitBreakerOn,
			metrics.SubmitLatency,
		)
	})
	return metrics
}
