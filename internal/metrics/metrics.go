package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_decisions_total",
		Help: "Eligibility decisions, labelled by verdict and reason.",
	}, []string{"verdict", "reason"})

	VerifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "faucet_verifier_duration_seconds",
		Help:    "Identity verifier call latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	Disbursements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_disbursements_total",
		Help: "Disbursement status transitions, labelled by the status entered.",
	}, []string{"status"})

	SubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_submit_errors_total",
		Help: "Payout submission failures, labelled by error kind.",
	}, []string{"kind"})

	NoncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faucet_nonces_issued_total",
		Help: "Treasury nonces committed to signed transfers.",
	})

	ConfirmationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "faucet_confirmation_seconds",
		Help:    "Time from submission to confirmation.",
		Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600},
	})

	TreasuryHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faucet_treasury_halted",
		Help: "1 while new submissions are halted for the treasury wallet.",
	})

	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faucet_audit_events_total",
		Help: "Audit ledger appends, labelled by event kind.",
	}, []string{"kind"})
)
