package bundlerarmy

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/bundlerarmy/internal/circuitbreaker"
)

// MempoolOption is a function that configures a Mempool
type MempoolOption func(*Mempool)

// WithSafeMode enables the entity multiple-role check on admission
func WithSafeMode(enabled bool) MempoolOption {
	return func(m *Mempool) {
		m.safeMode = enabled
	}
}

// WithMaxQueuedOpsPerSender limits how many Outstanding operations a single
// sender may have. 0 means unlimited.
func WithMaxQueuedOpsPerSender(n int) MempoolOption {
	return func(m *Mempool) {
		m.maxQueuedOpsPerSender = n
	}
}

// WithValidator sets the validator used by Mempool.Admit
func WithValidator(v Validator) MempoolOption {
	return func(m *Mempool) {
		m.validator = v
	}
}

// WithMempoolMetrics sets the metrics the mempool reports to
func WithMempoolMetrics(metrics *Metrics) MempoolOption {
	return func(m *Mempool) {
		m.metrics = metrics
	}
}

// StatusMonitorOption is a function that configures a StatusMonitor
type StatusMonitorOption func(*StatusMonitor)

// WithStatusTTL sets how long a status lives after its last update
func WithStatusTTL(ttl time.Duration) StatusMonitorOption {
	return func(sm *StatusMonitor) {
		if ttl > 0 {
			sm.ttl = ttl
		}
	}
}

// WithStatusStore persists statuses to an external store, e.g. Redis
func WithStatusStore(store StatusStore) StatusMonitorOption {
	return func(sm *StatusMonitor) {
		sm.store = store
	}
}

// WithStatusStoreTimeout bounds each call to the status store
func WithStatusStoreTimeout(timeout time.Duration) StatusMonitorOption {
	return func(sm *StatusMonitor) {
		if timeout > 0 {
			sm.storeTimeout = timeout
		}
	}
}

// GasPriceOracleOption is a function that configures a GasPriceOracle
type GasPriceOracleOption func(*GasPriceOracle)

// WithChainReader registers the node reader the oracle uses for chainID
func WithChainReader(chainID uint64, reader ChainReader) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		o.readers[chainID] = reader
	}
}

// WithChainGasRule adds or replaces the pricing rule of a chain
func WithChainGasRule(chainID uint64, rule ChainGasRule) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		o.rules[chainID] = rule
	}
}

// WithFeeStation sets the client used for chains whose rule names a fee station
func WithFeeStation(station FeeStation) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		o.station = station
	}
}

// WithGasBumpPercent sets the default multiplier, in percent, applied to every
// quote. 100 leaves quotes unchanged. Chain rules may override it.
func WithGasBumpPercent(percent int64) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		if percent > 0 {
			o.bumpPercent = percent
		}
	}
}

// WithCircuitBreakerConfig sets the per-chain circuit breaker configuration
func WithCircuitBreakerConfig(config circuitbreaker.Config) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		o.breakerConfig = config
	}
}

// WithOracleCallTimeout bounds each node or fee station call
func WithOracleCallTimeout(timeout time.Duration) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		if timeout > 0 {
			o.callTimeout = timeout
		}
	}
}

// WithOracleMetrics sets the metrics the oracle reports to
func WithOracleMetrics(metrics *Metrics) GasPriceOracleOption {
	return func(o *GasPriceOracle) {
		o.metrics = metrics
	}
}

// GasPriceCacheOption is a function that configures a GasPriceCache
type GasPriceCacheOption func(*GasPriceCache)

// WithGasPriceTTL sets how long a quote is served from cache
func WithGasPriceTTL(ttl time.Duration) GasPriceCacheOption {
	return func(c *GasPriceCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithGasPriceWindow sets how far back ValidateGasPrice looks for the lowest quote
func WithGasPriceWindow(window time.Duration) GasPriceCacheOption {
	return func(c *GasPriceCache) {
		if window > 0 {
			c.window = window
		}
	}
}

// WalletPoolOption is a function that configures a WalletPool
type WalletPoolOption func(*WalletPool)

// WithMinBalance sets the balance below which a wallet is not handed out
func WithMinBalance(minBalance *big.Int) WalletPoolOption {
	return func(wp *WalletPool) {
		if minBalance != nil {
			wp.minBalance = new(big.Int).Set(minBalance)
		}
	}
}

// WithBalancePollInterval sets how often balances are refreshed after Start
func WithBalancePollInterval(interval time.Duration) WalletPoolOption {
	return func(wp *WalletPool) {
		if interval > 0 {
			wp.pollInterval = interval
		}
	}
}

// WithWalletPoolCallTimeout bounds each balance read
func WithWalletPoolCallTimeout(timeout time.Duration) WalletPoolOption {
	return func(wp *WalletPool) {
		if timeout > 0 {
			wp.callTimeout = timeout
		}
	}
}

// WithWalletPoolMetrics sets the metrics the wallet pool reports to
func WithWalletPoolMetrics(metrics *Metrics) WalletPoolOption {
	return func(wp *WalletPool) {
		wp.metrics = metrics
	}
}

// ExecutorOption is a function that configures an Executor
type ExecutorOption func(*Executor)

// WithBundleInterval sets how often the scheduler runs a bundling cycle
func WithBundleInterval(interval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.bundleInterval = interval
		}
	}
}

// WithMaxGasPerBundle sets the gas budget of the operations in one bundle
func WithMaxGasPerBundle(gas uint64) ExecutorOption {
	return func(e *Executor) {
		if gas > 0 {
			e.maxGasPerBundle = gas
		}
	}
}

// WithMinOpsPerBundle sets the number of operations a cycle asks the mempool for
func WithMinOpsPerBundle(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.minOps = n
		}
	}
}

// WithMaxSubmissionAttempts sets how many times an operation may be claimed
// for a bundle before it is dropped
func WithMaxSubmissionAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSubmissionAttempts = n
		}
	}
}

// WithBundleGasOverhead sets the gas added on top of the handleOps estimate
func WithBundleGasOverhead(gas uint64) ExecutorOption {
	return func(e *Executor) {
		e.bundleGasOverhead = gas
	}
}

// WithTxCheckInterval sets how long supervision waits for a receipt before
// considering a replacement
func WithTxCheckInterval(interval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if interval > 0 {
			e.txCheckInterval = interval
		}
	}
}

// WithStuckTimeout sets how long a bundle may stay unreplaced before it is
// replaced with reason "stuck"
func WithStuckTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.stuckTimeout = timeout
		}
	}
}

// WithMaxReplacements sets the number of fee replacements per bundle
func WithMaxReplacements(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxReplacements = n
		}
	}
}

// WithReplacementMultiplier sets the fee multiplier of replacements.
// Values below MinReplacementMultiplier are raised to it.
func WithReplacementMultiplier(multiplier float64) ExecutorOption {
	return func(e *Executor) {
		if multiplier < MinReplacementMultiplier {
			multiplier = MinReplacementMultiplier
		}
		e.replacementMultiplier = multiplier
	}
}

// WithMaxFeePerGasCap sets the fee above which a bundle is no longer replaced.
// A capped bundle keeps its transaction, but every StuckTimeout spent capped
// counts as one replacement, so it fails once MaxReplacements is used up.
func WithMaxFeePerGasCap(maxFee *big.Int) ExecutorOption {
	return func(e *Executor) {
		if maxFee != nil {
			e.maxFeePerGasCap = new(big.Int).Set(maxFee)
		}
	}
}

// WithBeneficiary sets the address receiving handleOps compensation.
// Defaults to the executor wallet that sent the bundle.
func WithBeneficiary(beneficiary common.Address) ExecutorOption {
	return func(e *Executor) {
		e.beneficiary = beneficiary
	}
}

// WithExecutorValidator revalidates operations whose referenced code changed
func WithExecutorValidator(v Validator) ExecutorOption {
	return func(e *Executor) {
		e.validator = v
	}
}

// WithBundleStore persists in-flight bundles for crash recovery
func WithBundleStore(store BundleStore) ExecutorOption {
	return func(e *Executor) {
		e.bundleStore = store
	}
}

// WithExternalCallTimeout bounds every node and store call made by the executor
func WithExternalCallTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// WithExecutorMetrics sets the metrics the executor reports to
func WithExecutorMetrics(metrics *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}
