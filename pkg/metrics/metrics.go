// Package metrics holds the prometheus instruments exported under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// optimization loop
	OptimizationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eosconnect_optimization_runs_total",
		Help: "Optimization attempts against the EOS server by outcome",
	}, []string{"status"})

	OptimizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eosconnect_optimization_duration_seconds",
		Help:    "Wall time of a full optimize request",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
	})

	// data providers
	ProviderFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eosconnect_provider_fetch_total",
		Help: "Provider refresh attempts by outcome",
	}, []string{"provider", "status"})

	ProviderLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eosconnect_provider_last_success_timestamp_seconds",
		Help: "Unix time of the last successful provider refresh",
	}, []string{"provider"})

	// control state
	ControlMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eosconnect_control_mode",
		Help: "Current inverter mode as its numeric code",
	})

	BatteryChargeLimitWatts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eosconnect_battery_charge_limit_watts",
		Help: "Dynamic grid charge power limit applied to the battery",
	})

	EVChargingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eosconnect_ev_charging_active",
		Help: "1 while at least one loadpoint reports an active charge",
	})

	// inverter writes
	InverterWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eosconnect_inverter_writes_total",
		Help: "Settings pushed to the inverter by outcome",
	}, []string{"result"})
)
