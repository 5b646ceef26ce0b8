package bundlerarmy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tranvictor/bundlerarmy/internal/circuitbreaker"
)

// GasPriceSource quotes EIP-1559 fees for a chain.
type GasPriceSource interface {
	GetGasPrice(ctx context.Context, chainID uint64) (*GasPriceParameters, error)
}

// Known chain ids with a dedicated pricing rule
const (
	ChainIDPolygon     uint64 = 137
	ChainIDPolygonAmoy uint64 = 80002
	ChainIDAvalanche   uint64 = 43114
	ChainIDDFK         uint64 = 53935
	ChainIDCelo        uint64 = 42220
	ChainIDAlfajores   uint64 = 44787
)

const (
	feeHistoryBlocks     = 10
	feeHistoryPercentile = 20.0
	// a zero tip is replaced by maxFee / zeroTipDivisor
	zeroTipDivisor = 200
)

// ChainGasRule adjusts the quotes of one chain.
type ChainGasRule struct {
	// Floors applied to both fee fields after the bump
	MinMaxPriorityFeePerGas *big.Int
	MinMaxFeePerGas         *big.Int

	// BumpPercent overrides the oracle's multiplier when non-zero. 100 = unchanged.
	BumpPercent int64

	// FeeStationURL, when set, is queried before the node
	FeeStationURL string

	// EqualizeFees sets both fields to the larger of the two
	EqualizeFees bool

	// Legacy chains price with eth_gasPrice for both fields
	Legacy bool
}

func gwei(v float64) *big.Int {
	return decimal.NewFromFloat(v).Shift(9).BigInt()
}

// DefaultChainGasRules returns the built-in rule table.
func DefaultChainGasRules() map[uint64]ChainGasRule {
	return map[uint64]ChainGasRule{
		ChainIDPolygon: {
			MinMaxPriorityFeePerGas: gwei(31),
			MinMaxFeePerGas:         gwei(31),
			FeeStationURL:           "https://gasstation.polygon.technology/v2",
		},
		ChainIDPolygonAmoy: {
			MinMaxPriorityFeePerGas: gwei(1),
			MinMaxFeePerGas:         gwei(1),
			FeeStationURL:           "https://gasstation.polygon.technology/amoy",
		},
		ChainIDAvalanche: {
			MinMaxPriorityFeePerGas: gwei(1.5),
			MinMaxFeePerGas:         gwei(1.5),
		},
		ChainIDDFK: {
			MinMaxPriorityFeePerGas: gwei(5),
			MinMaxFeePerGas:         gwei(5),
		},
		ChainIDCelo:      {EqualizeFees: true},
		ChainIDAlfajores: {EqualizeFees: true},
	}
}

// FeeStation fetches a fee quote from an external HTTP service.
type FeeStation interface {
	Fetch(ctx context.Context, url string) (*GasPriceParameters, error)
}

type feeStationTier struct {
	MaxPriorityFee *decimal.Decimal `json:"maxPriorityFee"`
	MaxFee         *decimal.Decimal `json:"maxFee"`
}

type feeStationResponse struct {
	SafeLow          *feeStationTier  `json:"safeLow"`
	Standard         *feeStationTier  `json:"standard"`
	Fast             *feeStationTier  `json:"fast"`
	EstimatedBaseFee *decimal.Decimal `json:"estimatedBaseFee"`
}

// HTTPFeeStation reads Polygon-style gas station responses, amounts in gwei.
type HTTPFeeStation struct {
	client *resty.Client
}

// NewHTTPFeeStation creates a fee station client with the given request timeout.
func NewHTTPFeeStation(timeout time.Duration) *HTTPFeeStation {
	client := resty.New().
		SetTimeout(timeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json")
	return &HTTPFeeStation{client: client}
}

// Fetch returns the "fast" tier of the station at url.
func (s *HTTPFeeStation) Fetch(ctx context.Context, url string) (*GasPriceParameters, error) {
	resp, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fee station request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fee station returned status %d", resp.StatusCode())
	}

	var body feeStationResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("couldn't decode fee station response: %w", err)
	}
	if body.Fast == nil || body.Fast.MaxFee == nil || body.Fast.MaxPriorityFee == nil {
		return nil, fmt.Errorf("fee station response has no fast tier")
	}
	if body.Fast.MaxFee.IsNegative() || body.Fast.MaxPriorityFee.IsNegative() {
		return nil, fmt.Errorf("fee station returned negative fees")
	}

	return &GasPriceParameters{
		MaxFeePerGas:         body.Fast.MaxFee.Shift(9).BigInt(),
		MaxPriorityFeePerGas: body.Fast.MaxPriorityFee.Shift(9).BigInt(),
	}, nil
}

var _ FeeStation = (*HTTPFeeStation)(nil)

// GasPriceOracle quotes fees per chain from the node, or from a fee station
// when the chain's rule names one, and applies the chain's rule to the result.
type GasPriceOracle struct {
	readers map[uint64]ChainReader
	rules   map[uint64]ChainGasRule
	station FeeStation

	bumpPercent   int64
	callTimeout   time.Duration
	breakerConfig circuitbreaker.Config
	breakers      sync.Map // chainID -> *circuitbreaker.CircuitBreaker

	metrics *Metrics
}

// NewGasPriceOracle creates an oracle with the built-in chain rules.
func NewGasPriceOracle(opts ...GasPriceOracleOption) *GasPriceOracle {
	o := &GasPriceOracle{
		readers:       make(map[uint64]ChainReader),
		rules:         DefaultChainGasRules(),
		bumpPercent:   100,
		callTimeout:   DefaultExternalCallTimeout,
		breakerConfig: circuitbreaker.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.station == nil {
		o.station = NewHTTPFeeStation(o.callTimeout)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

func (o *GasPriceOracle) getCircuitBreaker(chainID uint64) *circuitbreaker.CircuitBreaker {
	cb, _ := o.breakers.LoadOrStore(chainID, circuitbreaker.New(o.breakerConfig))
	return cb.(*circuitbreaker.CircuitBreaker)
}

// GetCircuitBreakerStats returns the node circuit breaker statistics of a chain
func (o *GasPriceOracle) GetCircuitBreakerStats(chainID uint64) circuitbreaker.Stats {
	return o.getCircuitBreaker(chainID).Stats()
}

// ResetCircuitBreaker closes the node circuit breaker of a chain
func (o *GasPriceOracle) ResetCircuitBreaker(chainID uint64) {
	o.getCircuitBreaker(chainID).Reset()
}

// GetGasPrice returns a fresh quote for chainID.
func (o *GasPriceOracle) GetGasPrice(ctx context.Context, chainID uint64) (*GasPriceParameters, error) {
	rule := o.rules[chainID]

	if rule.FeeStationURL != "" && o.station != nil {
		params, err := o.fetchFeeStation(ctx, rule.FeeStationURL)
		if err == nil {
			o.metrics.gasPriceFetches.WithLabelValues("fee_station", "success").Inc()
			return o.applyRule(params, rule), nil
		}
		o.metrics.gasPriceFetches.WithLabelValues("fee_station", "error").Inc()
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"url":      rule.FeeStationURL,
			"error":    err,
		}).Warn("failed to get gas price from fee station, using node")
	}

	reader, ok := o.readers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no reader for chain %d", ErrGasPriceUnavailable, chainID)
	}

	cb := o.getCircuitBreaker(chainID)
	if !cb.Allow() {
		return nil, fmt.Errorf("%w for chain %d", ErrCircuitBreakerOpen, chainID)
	}

	params, err := o.estimate(ctx, reader, rule)
	if err != nil {
		cb.RecordFailure()
		o.metrics.gasPriceFetches.WithLabelValues("node", "error").Inc()
		return nil, errors.Join(ErrGasPriceUnavailable, fmt.Errorf("chain %d: %w", chainID, err))
	}
	cb.RecordSuccess()
	o.metrics.gasPriceFetches.WithLabelValues("node", "success").Inc()

	return o.applyRule(params, rule), nil
}

func (o *GasPriceOracle) fetchFeeStation(ctx context.Context, url string) (*GasPriceParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.station.Fetch(ctx, url)
}

// estimate prices from the latest header: tip = min(2 gwei, baseFee),
// maxFee = 2*baseFee + tip. Falls back to fee history when the header
// cannot be read, and to eth_gasPrice on legacy chains.
func (o *GasPriceOracle) estimate(ctx context.Context, reader ChainReader, rule ChainGasRule) (*GasPriceParameters, error) {
	if rule.Legacy {
		return o.legacyGasPrice(ctx, reader)
	}

	hctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	header, err := reader.HeaderByNumber(hctx, nil)
	cancel()

	var params *GasPriceParameters
	switch {
	case err == nil && header.BaseFee == nil:
		return o.legacyGasPrice(ctx, reader)
	case err == nil:
		tip := minBig(DefaultMaxPriorityFeePerGas, header.BaseFee)
		maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		params = &GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: new(big.Int).Set(tip)}
	default:
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("failed to read latest header for gas price, using fee history")
		params, err = o.feeHistoryGasPrice(ctx, reader)
		if err != nil {
			return nil, err
		}
	}

	if params.MaxPriorityFeePerGas.Sign() == 0 {
		params.MaxPriorityFeePerGas = new(big.Int).Div(params.MaxFeePerGas, big.NewInt(zeroTipDivisor))
	}
	return params, nil
}

func (o *GasPriceOracle) feeHistoryGasPrice(ctx context.Context, reader ChainReader) (*GasPriceParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	history, err := reader.FeeHistory(ctx, feeHistoryBlocks, nil, []float64{feeHistoryPercentile})
	if err != nil {
		return nil, fmt.Errorf("couldn't get fee history: %w", err)
	}
	if history == nil || len(history.BaseFee) == 0 {
		return nil, fmt.Errorf("fee history has no base fee")
	}

	tip := new(big.Int)
	var n int64
	for _, rewards := range history.Reward {
		if len(rewards) == 0 || rewards[0] == nil {
			continue
		}
		tip.Add(tip, rewards[0])
		n++
	}
	if n > 0 {
		tip.Div(tip, big.NewInt(n))
	}

	// the last entry is the base fee of the next block
	nextBaseFee := history.BaseFee[len(history.BaseFee)-1]
	maxFee := new(big.Int).Mul(nextBaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return &GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (o *GasPriceOracle) legacyGasPrice(ctx context.Context, reader ChainReader) (*GasPriceParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	gasPrice, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't get legacy gas price: %w", err)
	}
	return &GasPriceParameters{
		MaxFeePerGas:         new(big.Int).Set(gasPrice),
		MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
	}, nil
}

// applyRule bumps, floors and equalizes a quote, then clamps tip <= maxFee.
func (o *GasPriceOracle) applyRule(params *GasPriceParameters, rule ChainGasRule) *GasPriceParameters {
	bump := o.bumpPercent
	if rule.BumpPercent > 0 {
		bump = rule.BumpPercent
	}

	tip := new(big.Int).Set(params.MaxPriorityFeePerGas)
	maxFee := maxBig(params.MaxFeePerGas, tip)

	tip.Mul(tip, big.NewInt(bump)).Div(tip, big.NewInt(100))
	maxFee.Mul(maxFee, big.NewInt(bump)).Div(maxFee, big.NewInt(100))

	if rule.MinMaxPriorityFeePerGas != nil {
		tip = maxBig(tip, rule.MinMaxPriorityFeePerGas)
	}
	if rule.MinMaxFeePerGas != nil {
		maxFee = maxBig(maxFee, rule.MinMaxFeePerGas)
	}

	if rule.EqualizeFees {
		maxFee = maxBig(maxFee, tip)
		tip = new(big.Int).Set(maxFee)
	}

	if tip.Cmp(maxFee) > 0 {
		tip = new(big.Int).Set(maxFee)
	}
	return &GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}
}

var _ GasPriceSource = (*GasPriceOracle)(nil)

// minBig and maxBig return a new value.
func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// weiToGwei is used in log fields.
func weiToGwei(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return decimal.NewFromBigInt(v, -9).String()
}
