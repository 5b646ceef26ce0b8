package bundlerarmy

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tranvictor/bundlerarmy/internal/circuitbreaker"
)

// Duration is a time.Duration read from YAML strings such as "5s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config is the file configuration of a bundler serving one chain.
type Config struct {
	ChainID      uint64   `yaml:"chain_id" validate:"required"`
	RPCURL       string   `yaml:"rpc_url" validate:"required,url"`
	EntryPoint   string   `yaml:"entry_point" validate:"required,eth_addr"`
	Beneficiary  string   `yaml:"beneficiary" validate:"omitempty,eth_addr"`
	ExecutorKeys []string `yaml:"executor_keys" validate:"required,min=1,dive,required"`

	// UseJarvisBroadcaster sends bundles through every node jarvis knows for
	// the chain instead of RPCURL alone
	UseJarvisBroadcaster bool   `yaml:"use_jarvis_broadcaster"`
	MetricsAddr          string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	Redis    RedisConfig    `yaml:"redis"`
	Mempool  MempoolConfig  `yaml:"mempool"`
	Executor ExecutorConfig `yaml:"executor"`
	GasPrice GasPriceConfig `yaml:"gas_price"`
	Wallets  WalletsConfig  `yaml:"wallets"`
	Status   StatusConfig   `yaml:"status"`
}

// RedisConfig enables Redis persistence when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

type MempoolConfig struct {
	SafeMode              bool `yaml:"safe_mode"`
	MaxQueuedOpsPerSender int  `yaml:"max_queued_ops_per_sender" validate:"gte=0"`
}

type ExecutorConfig struct {
	BundleInterval        Duration `yaml:"bundle_interval"`
	MaxGasPerBundle       uint64   `yaml:"max_gas_per_bundle" validate:"gt=0"`
	MinOpsPerBundle       int      `yaml:"min_ops_per_bundle" validate:"gte=1"`
	MaxSubmissionAttempts int      `yaml:"max_submission_attempts" validate:"gte=1"`
	BundleGasOverhead     uint64   `yaml:"bundle_gas_overhead"`
	TxCheckInterval       Duration `yaml:"tx_check_interval"`
	StuckTimeout          Duration `yaml:"stuck_timeout"`
	MaxReplacements       int      `yaml:"max_replacements" validate:"gte=0"`
	ReplacementMultiplier float64  `yaml:"replacement_multiplier" validate:"gte=1.1"`
	ExternalCallTimeout   Duration `yaml:"external_call_timeout"`

	// MaxFeePerGasCapGwei is a decimal gwei amount, empty for 5x the first quote
	MaxFeePerGasCapGwei string `yaml:"max_fee_per_gas_cap_gwei" validate:"omitempty,numeric"`
}

type GasPriceConfig struct {
	TTL         Duration `yaml:"ttl"`
	Window      Duration `yaml:"window"`
	BumpPercent int64    `yaml:"bump_percent" validate:"gte=0"`

	CircuitBreakerFailures int      `yaml:"circuit_breaker_failures" validate:"gte=0"`
	CircuitBreakerTimeout  Duration `yaml:"circuit_breaker_timeout"`

	// Chains adds chain rules or replaces built-in ones
	Chains map[uint64]ChainGasRuleConfig `yaml:"chains" validate:"dive"`
}

type ChainGasRuleConfig struct {
	MinMaxPriorityFeePerGasGwei string `yaml:"min_max_priority_fee_per_gas_gwei" validate:"omitempty,numeric"`
	MinMaxFeePerGasGwei         string `yaml:"min_max_fee_per_gas_gwei" validate:"omitempty,numeric"`
	BumpPercent                 int64  `yaml:"bump_percent" validate:"gte=0"`
	FeeStationURL               string `yaml:"fee_station_url" validate:"omitempty,url"`
	EqualizeFees                bool   `yaml:"equalize_fees"`
	Legacy                      bool   `yaml:"legacy"`
}

type WalletsConfig struct {
	// MinBalanceEth is a decimal ether amount
	MinBalanceEth       string   `yaml:"min_balance_eth" validate:"omitempty,numeric"`
	BalancePollInterval Duration `yaml:"balance_poll_interval"`
}

type StatusConfig struct {
	TTL Duration `yaml:"ttl"`
}

// DefaultConfig returns a config with every tunable at its default. Chain,
// RPC, EntryPoint and keys are left for the caller.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{Prefix: "bundlerarmy"},
		Executor: ExecutorConfig{
			BundleInterval:        Duration{DefaultBundleInterval},
			MaxGasPerBundle:       DefaultMaxGasPerBundle,
			MinOpsPerBundle:       DefaultMinOpsPerBundle,
			MaxSubmissionAttempts: DefaultMaxSubmissionAttempts,
			BundleGasOverhead:     DefaultBundleGasOverhead,
			TxCheckInterval:       Duration{DefaultTxCheckInterval},
			StuckTimeout:          Duration{DefaultStuckTimeout},
			MaxReplacements:       DefaultMaxReplacements,
			ReplacementMultiplier: DefaultReplacementMultiplier,
			ExternalCallTimeout:   Duration{DefaultExternalCallTimeout},
		},
		GasPrice: GasPriceConfig{
			TTL:         Duration{DefaultGasPriceTTL},
			Window:      Duration{DefaultGasPriceWindow},
			BumpPercent: 100,
		},
		Wallets: WalletsConfig{
			BalancePollInterval: Duration{DefaultBalancePollInterval},
		},
		Status: StatusConfig{TTL: Duration{DefaultStatusTTL}},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("couldn't parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and every decimal amount.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.maxFeePerGasCap(); err != nil {
		return err
	}
	if _, err := c.minBalance(); err != nil {
		return err
	}
	for chainID, rule := range c.GasPrice.Chains {
		if _, err := rule.toRule(); err != nil {
			return fmt.Errorf("invalid gas rule for chain %d: %w", chainID, err)
		}
	}
	return nil
}

// parseUnits converts a non-negative decimal amount to its integer base unit
// amount. An empty string yields nil.
func parseUnits(amount string, decimals int32) (*big.Int, error) {
	if amount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", amount)
	}
	return d.Shift(decimals).BigInt(), nil
}

func (c *Config) maxFeePerGasCap() (*big.Int, error) {
	v, err := parseUnits(c.Executor.MaxFeePerGasCapGwei, 9)
	if err != nil {
		return nil, fmt.Errorf("max_fee_per_gas_cap_gwei: %w", err)
	}
	return v, nil
}

func (c *Config) minBalance() (*big.Int, error) {
	v, err := parseUnits(c.Wallets.MinBalanceEth, 18)
	if err != nil {
		return nil, fmt.Errorf("min_balance_eth: %w", err)
	}
	return v, nil
}

func (r ChainGasRuleConfig) toRule() (ChainGasRule, error) {
	tip, err := parseUnits(r.MinMaxPriorityFeePerGasGwei, 9)
	if err != nil {
		return ChainGasRule{}, err
	}
	maxFee, err := parseUnits(r.MinMaxFeePerGasGwei, 9)
	if err != nil {
		return ChainGasRule{}, err
	}
	return ChainGasRule{
		MinMaxPriorityFeePerGas: tip,
		MinMaxFeePerGas:         maxFee,
		BumpPercent:             r.BumpPercent,
		FeeStationURL:           r.FeeStationURL,
		EqualizeFees:            r.EqualizeFees,
		Legacy:                  r.Legacy,
	}, nil
}

// EntryPointAddress returns the configured EntryPoint.
func (c *Config) EntryPointAddress() common.Address {
	return common.HexToAddress(c.EntryPoint)
}

func (c *Config) MempoolOptions() []MempoolOption {
	return []MempoolOption{
		WithSafeMode(c.Mempool.SafeMode),
		WithMaxQueuedOpsPerSender(c.Mempool.MaxQueuedOpsPerSender),
	}
}

func (c *Config) StatusMonitorOptions() []StatusMonitorOption {
	return []StatusMonitorOption{
		WithStatusTTL(c.Status.TTL.Duration),
		WithStatusStoreTimeout(c.Executor.ExternalCallTimeout.Duration),
	}
}

func (c *Config) GasPriceCacheOptions() []GasPriceCacheOption {
	return []GasPriceCacheOption{
		WithGasPriceTTL(c.GasPrice.TTL.Duration),
		WithGasPriceWindow(c.GasPrice.Window.Duration),
	}
}

func (c *Config) GasPriceOracleOptions() ([]GasPriceOracleOption, error) {
	breaker := circuitbreaker.DefaultConfig()
	if c.GasPrice.CircuitBreakerFailures > 0 {
		breaker.FailureThreshold = c.GasPrice.CircuitBreakerFailures
	}
	if c.GasPrice.CircuitBreakerTimeout.Duration > 0 {
		breaker.OpenTimeout = c.GasPrice.CircuitBreakerTimeout.Duration
	}

	opts := []GasPriceOracleOption{
		WithGasBumpPercent(c.GasPrice.BumpPercent),
		WithOracleCallTimeout(c.Executor.ExternalCallTimeout.Duration),
		WithCircuitBreakerConfig(breaker),
	}
	for chainID, ruleConfig := range c.GasPrice.Chains {
		rule, err := ruleConfig.toRule()
		if err != nil {
			return nil, fmt.Errorf("invalid gas rule for chain %d: %w", chainID, err)
		}
		opts = append(opts, WithChainGasRule(chainID, rule))
	}
	return opts, nil
}

func (c *Config) WalletPoolOptions() ([]WalletPoolOption, error) {
	minBalance, err := c.minBalance()
	if err != nil {
		return nil, err
	}
	return []WalletPoolOption{
		WithMinBalance(minBalance),
		WithBalancePollInterval(c.Wallets.BalancePollInterval.Duration),
		WithWalletPoolCallTimeout(c.Executor.ExternalCallTimeout.Duration),
	}, nil
}

func (c *Config) ExecutorOptions() ([]ExecutorOption, error) {
	maxFeeCap, err := c.maxFeePerGasCap()
	if err != nil {
		return nil, err
	}
	opts := []ExecutorOption{
		WithBundleInterval(c.Executor.BundleInterval.Duration),
		WithMaxGasPerBundle(c.Executor.MaxGasPerBundle),
		WithMinOpsPerBundle(c.Executor.MinOpsPerBundle),
		WithMaxSubmissionAttempts(c.Executor.MaxSubmissionAttempts),
		WithBundleGasOverhead(c.Executor.BundleGasOverhead),
		WithTxCheckInterval(c.Executor.TxCheckInterval.Duration),
		WithStuckTimeout(c.Executor.StuckTimeout.Duration),
		WithMaxReplacements(c.Executor.MaxReplacements),
		WithReplacementMultiplier(c.Executor.ReplacementMultiplier),
		WithExternalCallTimeout(c.Executor.ExternalCallTimeout.Duration),
	}
	if maxFeeCap != nil {
		opts = append(opts, WithMaxFeePerGasCap(maxFeeCap))
	}
	if c.Beneficiary != "" {
		opts = append(opts, WithBeneficiary(common.HexToAddress(c.Beneficiary)))
	}
	return opts, nil
}
