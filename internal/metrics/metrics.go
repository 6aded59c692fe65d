package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts session operations by kind (auto, manual) and result
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_sessions_total",
			Help: "Total number of simulated revenue sessions",
		},
		[]string{"kind", "result"},
	)

	// SessionGain tracks the gain credited per session
	SessionGain = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revenue_session_gain",
			Help:    "Gain credited by a single session",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		},
	)

	// AnomaliesRepaired counts self-healing corrections by component and kind
	AnomaliesRepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_anomalies_repaired_total",
			Help: "Total number of integrity anomalies corrected",
		},
		[]string{"component", "kind"},
	)

	// BalanceSyncTotal counts remote balance reconciliations by direction (push, pull, none, error)
	BalanceSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_balance_sync_total",
			Help: "Total number of balance synchronizations with the remote store",
		},
		[]string{"direction"},
	)

	// CommissionTotal counts commission outcomes by policy and result
	CommissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_commission_total",
			Help: "Total number of referral commission operations",
		},
		[]string{"policy", "result"},
	)

	// StoreWritesRejected counts keyed store writes that were refused or substituted
	StoreWritesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_store_writes_rejected_total",
			Help: "Total number of keyed store writes rejected or substituted",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks the number of open user sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revenue_active_sessions",
			Help: "Number of open user sessions",
		},
	)

	// ErrorsTotal counts errors by component and type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
