package bundlerarmy

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

type cachedGasPrice struct {
	params    *GasPriceParameters
	timestamp time.Time
}

type gasPriceSample struct {
	maxFeePerGas *big.Int
	timestamp    time.Time
}

// GasPriceCache serves quotes from a GasPriceSource for up to ttl per chain.
// Concurrent misses for the same chain share a single upstream call.
//
// It also remembers the quotes seen during the last window so that admission
// can reject operations priced below every recent quote.
type GasPriceCache struct {
	source GasPriceSource
	ttl    time.Duration
	window time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[uint64]*cachedGasPrice
	history map[uint64][]gasPriceSample

	now func() time.Time
}

// NewGasPriceCache wraps source with a TTL cache.
func NewGasPriceCache(source GasPriceSource, opts ...GasPriceCacheOption) *GasPriceCache {
	c := &GasPriceCache{
		source:  source,
		ttl:     DefaultGasPriceTTL,
		window:  DefaultGasPriceWindow,
		entries: make(map[uint64]*cachedGasPrice),
		history: make(map[uint64][]gasPriceSample),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GasPriceCache) getCached(chainID uint64) *GasPriceParameters {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[chainID]
	if entry == nil || c.now().Sub(entry.timestamp) >= c.ttl {
		return nil
	}
	return entry.params.Copy()
}

// GetGasPrice returns the cached quote of chainID, refreshing it when stale.
func (c *GasPriceCache) GetGasPrice(ctx context.Context, chainID uint64) (*GasPriceParameters, error) {
	if params := c.getCached(chainID); params != nil {
		return params, nil
	}

	v, err, shared := c.group.Do(strconv.FormatUint(chainID, 10), func() (interface{}, error) {
		// another caller may have refreshed while we waited for the group
		if params := c.getCached(chainID); params != nil {
			return params, nil
		}
		params, err := c.source.GetGasPrice(ctx, chainID)
		if err != nil {
			return nil, err
		}
		c.store(chainID, params)
		return params, nil
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't get gas price for chain %d: %w", chainID, err)
	}
	if shared {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
		}).Debug("gas price fetch shared between concurrent callers")
	}
	return v.(*GasPriceParameters).Copy(), nil
}

func (c *GasPriceCache) store(chainID uint64, params *GasPriceParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[chainID] = &cachedGasPrice{params: params.Copy(), timestamp: now}

	samples := append(c.history[chainID], gasPriceSample{
		maxFeePerGas: new(big.Int).Set(params.MaxFeePerGas),
		timestamp:    now,
	})
	c.history[chainID] = lo.Filter(samples, func(s gasPriceSample, _ int) bool {
		return now.Sub(s.timestamp) <= c.window
	})
}

// Invalidate drops the cached quote of chainID. The price window is kept.
func (c *GasPriceCache) Invalidate(chainID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chainID)
}

// MinMaxFeePerGas returns the lowest max fee quoted for chainID during the window.
func (c *GasPriceCache) MinMaxFeePerGas(chainID uint64) (*big.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	recent := lo.Filter(c.history[chainID], func(s gasPriceSample, _ int) bool {
		return now.Sub(s.timestamp) <= c.window
	})
	if len(recent) == 0 {
		return nil, false
	}
	lowest := lo.MinBy(recent, func(a, b gasPriceSample) bool {
		return a.maxFeePerGas.Cmp(b.maxFeePerGas) < 0
	})
	return new(big.Int).Set(lowest.maxFeePerGas), true
}

// ValidateGasPrice rejects maxFeePerGas when it is below every quote seen
// during the window. It accepts anything when there is no recent quote.
func (c *GasPriceCache) ValidateGasPrice(chainID uint64, maxFeePerGas *big.Int) error {
	lowest, ok := c.MinMaxFeePerGas(chainID)
	if !ok {
		return nil
	}
	if maxFeePerGas == nil || maxFeePerGas.Cmp(lowest) < 0 {
		return fmt.Errorf("%w: maxFeePerGas %s gwei, minimum %s gwei",
			ErrGasPriceTooLow, weiToGwei(maxFeePerGas), weiToGwei(lowest))
	}
	return nil
}

var _ GasPriceSource = (*GasPriceCache)(nil)
