// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the engine updates while reconciling:
//   • tradesets_orders_total{side,type}              – orders placed on the exchange
//   • tradesets_exchange_retries_total{class}        – retried exchange calls by error class
//   • tradesets_exchange_down{exchange}              – 1 while a handler is in down state
//   • tradesets_reconcile_passes_total{mode,result}  – update() passes (regular|candle|tax, ok|skipped|down|error)
//   • tradesets_stoploss_triggers_total{kind}        – stop-loss liquidations by variant
//   • tradesets_active{exchange}                     – active trade sets per handler
//   • tradesets_archived_total                       – trade sets moved to history
//
// These are registered in init() and served at /metrics by server.go.

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesets_orders_total",
			Help: "Orders placed",
		},
		[]string{"side", "type"},
	)

	mtxRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesets_exchange_retries_total",
			Help: "Exchange calls retried, split by error class",
		},
		[]string{"class"},
	)

	mtxDown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradesets_exchange_down",
			Help: "1 while the handler for an exchange is in down state",
		},
		[]string{"exchange"},
	)

	mtxPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesets_reconcile_passes_total",
			Help: "Reconciliation passes by mode and result",
		},
		[]string{"mode", "result"},
	)

	mtxStopLoss = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradesets_stoploss_triggers_total",
			Help: "Stop-loss liquidations by variant",
		},
		[]string{"kind"},
	)

	mtxActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradesets_active",
			Help: "Active trade sets per exchange",
		},
		[]string{"exchange"},
	)

	mtxArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradesets_archived_total",
			Help: "Trade sets archived into trade history",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxRetries, mtxDown)
	prometheus.MustRegister(mtxPasses, mtxStopLoss)
	prometheus.MustRegister(mtxActive, mtxArchived)
}

func IncOrder(side OrderSide, typ OrderType) { mtxOrders.WithLabelValues(string(side), string(typ)).Inc() }
func IncRetry(class string)                  { mtxRetries.WithLabelValues(class).Inc() }
func IncPass(mode UpdateMode, result string)  { mtxPasses.WithLabelValues(mode.String(), result).Inc() }
func IncStopLoss(kind StopLossKind)          { mtxStopLoss.WithLabelValues(string(kind)).Inc() }
func IncArchived()                           { mtxArchived.Inc() }

func SetDownMetric(exchange string, down bool) {
	v := 0.0
	if down {
		v = 1
	}
	mtxDown.WithLabelValues(exchange).Set(v)
}

func SetActiveMetric(exchange string, n int) { mtxActive.WithLabelValues(exchange).Set(float64(n)) }
