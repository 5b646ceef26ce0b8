package bundlerarmy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"github.com/samber/lo"
)

// WalletState is a snapshot of one executor wallet.
type WalletState struct {
	Address  common.Address
	Balance  *big.Int // nil until the first successful read
	Busy     bool
	Eligible bool
}

// WalletPool hands out executor wallets to bundle attempts. A wallet is lent
// to one bundle at a time, from Acquire until Release.
//
// A wallet whose last observed balance is below the minimum is skipped until a
// later refresh sees it funded again. A wallet that has never been read is only
// eligible when no minimum balance is configured.
type WalletPool struct {
	mu sync.Mutex

	chainID  uint64
	reader   ChainReader
	wallets  []common.Address
	busy     map[common.Address]bool
	balances map[common.Address]*big.Int
	next     int

	minBalance   *big.Int
	pollInterval time.Duration
	callTimeout  time.Duration

	scheduler gocron.Scheduler
	metrics   *Metrics
}

// NewWalletPool creates a pool over wallets, reading balances from reader.
func NewWalletPool(chainID uint64, reader ChainReader, wallets []common.Address, opts ...WalletPoolOption) *WalletPool {
	wp := &WalletPool{
		chainID:      chainID,
		reader:       reader,
		wallets:      lo.Uniq(wallets),
		busy:         make(map[common.Address]bool),
		balances:     make(map[common.Address]*big.Int),
		minBalance:   new(big.Int),
		pollInterval: DefaultBalancePollInterval,
		callTimeout:  DefaultExternalCallTimeout,
	}
	for _, opt := range opts {
		opt(wp)
	}
	if wp.metrics == nil {
		wp.metrics = NewMetrics(nil)
	}
	wp.mu.Lock()
	wp.updateGaugesLocked()
	wp.mu.Unlock()
	return wp
}

func (wp *WalletPool) eligibleLocked(addr common.Address) bool {
	balance, ok := wp.balances[addr]
	if !ok {
		return wp.minBalance.Sign() == 0
	}
	return balance.Cmp(wp.minBalance) >= 0
}

// Acquire lends an idle, funded wallet, rotating through the pool.
func (wp *WalletPool) Acquire() (common.Address, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	n := len(wp.wallets)
	for i := 0; i < n; i++ {
		idx := (wp.next + i) % n
		addr := wp.wallets[idx]
		if wp.busy[addr] || !wp.eligibleLocked(addr) {
			continue
		}
		wp.busy[addr] = true
		wp.next = (idx + 1) % n
		wp.updateGaugesLocked()
		return addr, true
	}
	return common.Address{}, false
}

// Release returns addr to the pool. Releasing an idle or unknown wallet does nothing.
func (wp *WalletPool) Release(addr common.Address) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.busy[addr] {
		return
	}
	delete(wp.busy, addr)
	wp.updateGaugesLocked()
}

// RefreshBalances reads the balance of every wallet. A failed read keeps the
// previous observation; all read errors are returned joined.
func (wp *WalletPool) RefreshBalances(ctx context.Context) error {
	var errs []error
	observed := make(map[common.Address]*big.Int, len(wp.wallets))

	for _, addr := range wp.wallets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		cctx, cancel := context.WithTimeout(ctx, wp.callTimeout)
		balance, err := wp.reader.BalanceAt(cctx, addr, nil)
		cancel()
		if err != nil {
			logger.WithFields(logger.Fields{
				"wallet": addr.Hex(),
				"error":  err,
			}).Warn("failed to read executor wallet balance, keeping last observation")
			errs = append(errs, fmt.Errorf("wallet %s: %w", addr.Hex(), err))
			continue
		}
		observed[addr] = balance
	}

	wp.mu.Lock()
	for addr, balance := range observed {
		wasEligible := wp.eligibleLocked(addr)
		wp.balances[addr] = new(big.Int).Set(balance)
		isEligible := wp.eligibleLocked(addr)
		if wasEligible && !isEligible {
			logger.WithFields(logger.Fields{
				"wallet":      addr.Hex(),
				"balance":     balance.String(),
				"min_balance": wp.minBalance.String(),
			}).Warn("executor wallet below minimum balance, excluding it")
		} else if !wasEligible && isEligible {
			logger.WithFields(logger.Fields{
				"wallet":  addr.Hex(),
				"balance": balance.String(),
			}).Info("executor wallet funded, including it")
		}
		balanceF, _ := new(big.Float).SetInt(balance).Float64()
		wp.metrics.walletBalance.WithLabelValues(addr.Hex()).Set(balanceF)
	}
	wp.updateGaugesLocked()
	wp.mu.Unlock()

	return errors.Join(errs...)
}

// Start refreshes balances now and then every poll interval until Stop.
func (wp *WalletPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.scheduler != nil {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize balance scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(wp.pollInterval),
		gocron.NewTask(func() {
			if err := wp.RefreshBalances(ctx); err != nil {
				logger.WithFields(logger.Fields{
					"chain_id": wp.chainID,
					"error":    err,
				}).Debug("balance refresh completed with errors")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule balance refresh: %w", err)
	}
	s.Start()
	wp.scheduler = s
	return nil
}

// Stop stops balance polling.
func (wp *WalletPool) Stop() error {
	wp.mu.Lock()
	s := wp.scheduler
	wp.scheduler = nil
	wp.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Available returns the number of wallets Acquire could hand out right now.
func (wp *WalletPool) Available() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.availableLocked()
}

func (wp *WalletPool) availableLocked() int {
	return lo.CountBy(wp.wallets, func(addr common.Address) bool {
		return !wp.busy[addr] && wp.eligibleLocked(addr)
	})
}

// Wallets returns a snapshot of every wallet in pool order.
func (wp *WalletPool) Wallets() []WalletState {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	return lo.Map(wp.wallets, func(addr common.Address, _ int) WalletState {
		var balance *big.Int
		if b, ok := wp.balances[addr]; ok {
			balance = new(big.Int).Set(b)
		}
		return WalletState{
			Address:  addr,
			Balance:  balance,
			Busy:     wp.busy[addr],
			Eligible: wp.eligibleLocked(addr),
		}
	})
}

// BelowRefillThreshold lists wallets whose balance is under 120% of the
// minimum balance, so operators can top them up before they are excluded.
func (wp *WalletPool) BelowRefillThreshold() []common.Address {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	threshold := new(big.Int).Mul(wp.minBalance, big.NewInt(6))
	threshold.Div(threshold, big.NewInt(5))
	return lo.Filter(wp.wallets, func(addr common.Address, _ int) bool {
		balance, ok := wp.balances[addr]
		return ok && balance.Cmp(threshold) < 0
	})
}

// Has reports whether addr belongs to the pool.
func (wp *WalletPool) Has(addr common.Address) bool {
	return lo.Contains(wp.wallets, addr)
}

func (wp *WalletPool) updateGaugesLocked() {
	wp.metrics.walletsAvailable.Set(float64(wp.availableLocked()))
}
