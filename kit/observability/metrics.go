package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payflow"

// Metrics owns its registry so tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	CheckoutsAccepted prometheus.Counter
	CheckoutsRejected prometheus.Counter
	PSPOutcomes       *prometheus.CounterVec
	PSPLatency        prometheus.Histogram
	OrdersSettled     prometheus.Counter
	OrdersFailed      prometheus.Counter
	WalletCredits     *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	BatchItemFailures *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CheckoutsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkouts_accepted_total",
			Help: "Checkouts persisted and queued for execution.",
		}),
		CheckoutsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkouts_rejected_total",
			Help: "Checkouts rejected by validation.",
		}),
		PSPOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "psp_outcomes_total",
			Help: "PSP call outcomes by class.",
		}, []string{"outcome"}),
		PSPLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "psp_latency_seconds",
			Help:    "PSP call latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		OrdersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_settled_total",
			Help: "Payment orders moved to SUCCESS with a wallet credit.",
		}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_failed_total",
			Help: "Payment orders moved to FAILED.",
		}),
		WalletCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "wallet_credits_total",
			Help: "Wallet credits applied, by currency.",
		}, []string{"currency"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotent_replays_total",
			Help: "Settlement writes skipped because they were already applied.",
		}),
		BatchItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_item_failures_total",
			Help: "Messages reported as failed inside a batch.",
		}, []string{"queue"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Messages moved to the dead-letter archive.",
		}, []string{"queue"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CheckoutsAccepted,
		m.CheckoutsRejected,
		m.PSPOutcomes,
		m.PSPLatency,
		m.OrdersSettled,
		m.OrdersFailed,
		m.WalletCredits,
		m.IdempotentReplays,
		m.BatchItemFailures,
		m.DeadLetters,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
