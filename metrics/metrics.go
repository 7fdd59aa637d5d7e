// Package metrics exposes the Prometheus surface for the trading core.
//
// Primary series:
//   - trading_mode{mode}                  – 1 for the active mode
//   - signal_ack_latency_seconds{mode}    – intent receive → simulated ack
//   - paper_fill_latency_seconds{mode}    – ack → fill, per slice
//   - paper_slippage_bps{mode}            – observed slippage per fill
//   - paper_maker_ratio{mode}             – maker share of all fills
//   - paper_order_rejects_total{mode}     – rejected intents
//   - market_spread_atr_percent{symbol}   – feed-side spread/ATR gauge
//
// Registered in init() and served by Serve at /metrics in Prometheus text
// exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	TradingMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trading_mode",
			Help: "Current trading mode (1 for the active mode label)",
		},
		[]string{"mode"},
	)

	SignalAckLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_ack_latency_seconds",
			Help:    "Latency between order intent receive and simulated acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "run_id"},
	)

	FillLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paper_fill_latency_seconds",
			Help:    "Latency between order ack and fill in the paper broker",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "run_id"},
	)

	SlippageBps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paper_slippage_bps",
			Help:    "Observed slippage in basis points",
			Buckets: []float64{0, 1, 2.5, 5, 7.5, 10, 15, 20},
		},
		[]string{"mode", "run_id"},
	)

	MakerRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paper_maker_ratio",
			Help: "Ratio of maker fills recorded by the paper broker",
		},
		[]string{"mode"},
	)

	OrderRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paper_order_rejects_total",
			Help: "Total number of rejected orders",
		},
		[]string{"mode", "run_id"},
	)

	SpreadATRPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "market_spread_atr_percent",
			Help: "Quoted spread as a percentage of ATR, per symbol",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		TradingMode,
		SignalAckLatency,
		FillLatency,
		SlippageBps,
		MakerRatio,
		OrderRejects,
		SpreadATRPercent,
	)
}

// SetMode flips the trading_mode gauge so exactly one labeled series is 1.
func SetMode(mode string) {
	for _, m := range []string{"live", "paper", "replay"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		TradingMode.WithLabelValues(m).Set(v)
	}
}

// Serve starts the metrics HTTP listener. Blocks; run in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("📊 Metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
