// Package metrics содержит prometheus-метрики кредитного движка и обработки покупок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics объединяет коллекторы сервиса.
type Metrics struct {
	SpendTotal        *prometheus.CounterVec // result: success/insufficient/error
	CreditsSpent      *prometheus.CounterVec // store: local/remote
	CreditsAdded      *prometheus.CounterVec // kind: permanent/expiring
	ReconcileTotal    *prometheus.CounterVec // status: success/partial/failed/duplicate/pending
	SweptGrants       prometheus.Counter
	DegradedReads     prometheus.Counter
	ConcurrentRetries prometheus.Counter
	OperationDuration *prometheus.HistogramVec
	FeatureCalls      *prometheus.CounterVec // feature, result: success/insufficient/refunded
}

// New регистрирует метрики в reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SpendTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studymate_credit_spend_total",
				Help: "Total number of spend attempts by result",
			},
			[]string{"result"},
		),
		CreditsSpent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studymate_credits_spent_total",
				Help: "Total number of credits deducted",
			},
			[]string{"store"},
		),
		CreditsAdded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studymate_credits_added_total",
				Help: "Total number of credits granted",
			},
			[]string{"kind"},
		),
		ReconcileTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studymate_purchase_reconcile_total",
				Help: "Total number of purchase reconciliations by outcome",
			},
			[]string{"status"},
		),
		SweptGrants: f.NewCounter(prometheus.CounterOpts{
			Name: "studymate_expired_grants_swept_total",
			Help: "Total number of expired grants removed",
		}),
		DegradedReads: f.NewCounter(prometheus.CounterOpts{
			Name: "studymate_balance_degraded_reads_total",
			Help: "Balance reads answered from the local snapshot",
		}),
		ConcurrentRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "studymate_ledger_concurrent_retries_total",
			Help: "Ledger mutations retried after a version conflict",
		}),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "studymate_ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		FeatureCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studymate_feature_calls_total",
				Help: "Total number of paid feature calls by outcome",
			},
			[]string{"feature", "result"},
		),
	}
}
