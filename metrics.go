package bundlerarmy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bundlerarmy"

// Metrics holds the instruments shared by the bundler components.
// A Metrics built with a nil registerer works but is never exported.
type Metrics struct {
	userOperationsInMempool        *prometheus.GaugeVec
	userOperationsSubmitted        *prometheus.CounterVec
	userOperationsOnChain          *prometheus.CounterVec
	userOperationsResubmitted      prometheus.Counter
	userOperationInclusionDuration prometheus.Histogram
	bundlesSubmitted               *prometheus.CounterVec
	replacedTransactions           *prometheus.CounterVec
	walletsAvailable               prometheus.Gauge
	walletBalance                  *prometheus.GaugeVec
	gasPriceFetches                *prometheus.CounterVec
	executorCycles                 *prometheus.CounterVec
}

// NewMetrics creates the bundler instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		userOperationsInMempool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_in_mempool",
				Help:      "Number of user operations in the mempool by state",
			}, []string{"status"}),
		userOperationsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_submitted_total",
				Help:      "Number of user operations handed to a bundle attempt by outcome",
			}, []string{"status"}),
		userOperationsOnChain: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_on_chain_total",
				Help:      "Number of user operations that reached a terminal on-chain state",
			}, []string{"status"}),
		userOperationsResubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "user_operations_resubmitted_total",
				Help:      "Number of user operations moved back to outstanding",
			}),
		userOperationInclusionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "user_operation_inclusion_duration_seconds",
				Help:      "Time from first submission to inclusion",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
			}),
		bundlesSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bundles_submitted_total",
				Help:      "Number of bundle transactions sent by outcome",
			}, []string{"status"}),
		replacedTransactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replaced_transactions_total",
				Help:      "Number of replace-by-fee attempts by reason and outcome",
			}, []string{"reason", "status"}),
		walletsAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "executor_wallets_available",
				Help:      "Number of executor wallets idle and funded",
			}),
		walletBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "executor_wallet_balance_wei",
				Help:      "Last observed balance of each executor wallet",
			}, []string{"wallet"}),
		gasPriceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gas_price_fetches_total",
				Help:      "Number of gas price fetches by source and outcome",
			}, []string{"source", "status"}),
		executorCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "executor_cycles_total",
				Help:      "Number of executor cycles by outcome. If it isn't increasing, the scheduler is stuck",
			}, []string{"outcome"}),
	}
}
