// Package metrics exposes the engine's Prometheus series:
//
//   - bot_webhooks_total{result}        – webhooks accepted|dropped
//   - bot_ticks_total{feed}             – feed events (broker|exchange)
//   - bot_fsm_transitions_total{state}  – transitions by destination state
//   - bot_paper_trades_total{event}     – paper opens/closes
//   - bot_live_trades_total{event}      – live opens/closes/blocks
//   - bot_orders_total{result}          – broker order posts (ok|error|skipped)
//   - bot_persist_flushes_total         – persistence flushes
//   - bot_open_positions{kind}          – open paper/live positions (gauge)
//
// Registered in init() and served by the promhttp handler started in
// cmd/bot at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxWebhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_webhooks_total",
			Help: "Webhook signals by result",
		},
		[]string{"result"}, // accepted|dropped
	)

	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ticks_total",
			Help: "Price events by feed",
		},
		[]string{"feed"}, // broker|exchange
	)

	mtxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fsm_transitions_total",
			Help: "FSM transitions by destination state",
		},
		[]string{"state"},
	)

	mtxPaper = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_paper_trades_total",
			Help: "Paper trade lifecycle events",
		},
		[]string{"event"}, // open|close
	)

	mtxLive = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_live_trades_total",
			Help: "Live trade lifecycle events",
		},
		[]string{"event"}, // open|close|blocked
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Broker order posts by result",
		},
		[]string{"result"}, // ok|error|skipped
	)

	mtxFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_persist_flushes_total",
			Help: "Persistence flushes",
		},
	)

	gaugeOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Currently open positions",
		},
		[]string{"kind"}, // paper|live
	)
)

func init() {
	prometheus.MustRegister(mtxWebhooks, mtxTicks, mtxTransitions)
	prometheus.MustRegister(mtxPaper, mtxLive, mtxOrders)
	prometheus.MustRegister(mtxFlushes, gaugeOpen)
}

func IncWebhook(result string)     { mtxWebhooks.WithLabelValues(result).Inc() }
func IncTick(feed string)          { mtxTicks.WithLabelValues(feed).Inc() }
func IncTransition(state string)   { mtxTransitions.WithLabelValues(state).Inc() }
func IncPaper(event string)        { mtxPaper.WithLabelValues(event).Inc() }
func IncLive(event string)         { mtxLive.WithLabelValues(event).Inc() }
func IncOrder(result string)       { mtxOrders.WithLabelValues(result).Inc() }
func IncPersistFlush()             { mtxFlushes.Inc() }
func SetOpen(kind string, n int)   { gaugeOpen.WithLabelValues(kind).Set(float64(n)) }
