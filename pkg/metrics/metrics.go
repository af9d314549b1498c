package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_cycles_total",
		Help: "Evaluation cycles run, by result",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_cycle_duration_seconds",
		Help:    "Wall time of one evaluation cycle",
		Buckets: prometheus.DefBuckets,
	})

	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_signals_total",
		Help: "Signals detected per asset",
	}, []string{"asset", "signal"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_transitions_total",
		Help: "Position transitions applied per asset",
	}, []string{"asset", "action"})

	StoreConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_store_conflicts_total",
		Help: "Compare-and-swap writes that lost to a concurrent writer",
	}, []string{"key"})

	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_balance",
		Help: "Cash balance after the last cycle",
	})

	AverageRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_sma_records_total",
		Help: "Moving-average records written, by result",
	}, []string{"result"})

	PricesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_prices_ingested_total",
		Help: "Price samples appended to the time-series store",
	}, []string{"asset"})
)
