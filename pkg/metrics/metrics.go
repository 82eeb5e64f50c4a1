package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minesentry_build_info",
			Help: "Build information of the MineSentry monitor",
		},
		[]string{"version", "commit", "date"},
	)

	ReportsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minesentry_reports_submitted_total",
			Help: "Total number of reports submitted, by evidence kind",
		},
		[]string{"evidence_kind"},
	)

	ReportsValidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minesentry_reports_validated_total",
			Help: "Total number of report validations, by resulting status",
		},
		[]string{"status"},
	)

	DetectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minesentry_detection_runs_total",
			Help: "Total number of censorship detection runs",
		},
		[]string{"status"},
	)

	DetectionConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minesentry_detection_confidence",
			Help:    "Confidence scores produced by detection runs",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minesentry_ledger_payments_total",
			Help: "Total number of ledger payment transitions",
		},
		[]string{"status"},
	)

	LedgerFundsSats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minesentry_ledger_funds_sats",
			Help: "Current ledger fund totals in satoshis",
		},
		[]string{"bucket"}, // funded, paid, reserved, available
	)

	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minesentry_oracle_requests_total",
			Help: "Total number of Bitcoin RPC requests",
		},
		[]string{"method", "status"},
	)

	OracleRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minesentry_oracle_request_duration_seconds",
			Help:    "Duration of Bitcoin RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)
)
