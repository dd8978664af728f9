package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts transfers reaching a terminal state
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transfers_total",
			Help: "Total number of bridge transfers by terminal outcome",
		},
		[]string{"direction", "outcome"},
	)

	// TransferDuration tracks end-to-end transfer processing time
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_transfer_duration_seconds",
			Help:    "Transfer processing duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"direction"},
	)

	// TransfersByState tracks the number of live transfers per state,
	// refreshed each sweep cycle
	TransfersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_transfers_by_state",
			Help: "Number of transfers currently in each non-terminal state",
		},
		[]string{"state"},
	)

	// FlaggedTransfers tracks transfers awaiting operator intervention
	FlaggedTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_flagged_transfers",
			Help: "Number of transfers requiring manual intervention",
		},
	)

	// SubmissionsTotal counts transactions submitted to each chain
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_submissions_total",
			Help: "Total number of transactions submitted",
		},
		[]string{"chain", "operation", "status"},
	)

	// SweepRunsTotal counts reconciliation sweep cycles
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sweep_runs_total",
			Help: "Total number of reconciliation sweep cycles",
		},
		[]string{"status"},
	)

	// ErrorsTotal counts errors by component and type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
