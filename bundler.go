package bundlerarmy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

// BundlerComponents are the components a Bundler drives. GasPrice is
// optional; without it operations are admitted at any fee.
type BundlerComponents struct {
	ChainID  uint64         `validate:"required"`
	Mempool  *Mempool       `validate:"required"`
	Executor *Executor      `validate:"required"`
	Monitor  *StatusMonitor `validate:"required"`
	Wallets  *WalletPool    `validate:"required"`
	GasPrice *GasPriceCache
}

// MempoolDump is a point-in-time copy of every mempool collection.
type MempoolDump struct {
	Outstanding []UserOperationInfo
	Processing  []UserOperationInfo
	Submitted   []SubmittedUserOperation
}

// Bundler is the entry point of a bundler serving one chain:
//  1. it admits user operations into the mempool after checking their fees
//     against recent network quotes
//  2. it reports the lifecycle status of every operation it has seen
//  3. it runs the executor, the wallet balance poller and crash recovery
type Bundler struct {
	chainID  uint64
	mempool  *Mempool
	executor *Executor
	monitor  *StatusMonitor
	wallets  *WalletPool
	gasPrice *GasPriceCache

	lifecycleMu sync.Mutex
	started     bool
}

// NewBundler wires already constructed components together.
func NewBundler(components BundlerComponents) (*Bundler, error) {
	if err := validator.New().Struct(components); err != nil {
		return nil, fmt.Errorf("invalid bundler components: %w", err)
	}
	return &Bundler{
		chainID:  components.ChainID,
		mempool:  components.Mempool,
		executor: components.Executor,
		monitor:  components.Monitor,
		wallets:  components.Wallets,
		gasPrice: components.GasPrice,
	}, nil
}

// SendUserOperation admits op as Outstanding and returns its hash. It fails
// with ErrGasPriceTooLow when op pays less than every recent quote, with
// ErrAlreadyKnown on a duplicate or an in-flight (sender, nonce), and with
// ErrPolicyViolation when validation rejects op.
func (b *Bundler) SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, fmt.Errorf("user operation cannot be nil")
	}
	if b.gasPrice != nil {
		if err := b.gasPrice.ValidateGasPrice(b.chainID, op.MaxFeePerGas); err != nil {
			return b.mempool.HashOf(op), err
		}
	}

	hash, err := b.mempool.Admit(ctx, op)
	if err != nil {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
			"sender":       op.Sender.Hex(),
			"error":        err,
		}).Debug("user operation rejected")
		return hash, err
	}
	b.monitor.SetStatus(hash, StatusEntry{Status: StatusPending})

	logger.WithFields(logger.Fields{
		"user_op_hash": hash.Hex(),
		"sender":       op.Sender.Hex(),
		"nonce":        bigOrZero(op.Nonce).String(),
	}).Info("user operation admitted")
	return hash, nil
}

// GetUserOperationStatus returns the last known status of hash.
func (b *Bundler) GetUserOperationStatus(hash common.Hash) StatusEntry {
	return b.monitor.GetStatus(hash)
}

// DumpMempool returns copies of the Outstanding, Processing and Submitted operations.
func (b *Bundler) DumpMempool() MempoolDump {
	return MempoolDump{
		Outstanding: b.mempool.DumpOutstanding(),
		Processing:  b.mempool.DumpProcessing(),
		Submitted:   b.mempool.DumpSubmittedOps(),
	}
}

// BundleNow runs one bundling cycle immediately.
func (b *Bundler) BundleNow(ctx context.Context) (*BundleResult, error) {
	return b.executor.BundleNow(ctx)
}

// Start begins balance polling, resolves bundles left in flight by an earlier
// run and starts periodic bundling.
func (b *Bundler) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.started {
		return nil
	}

	if err := b.wallets.Start(ctx); err != nil {
		return fmt.Errorf("failed to start wallet pool: %w", err)
	}
	result, err := b.executor.Recover(ctx)
	if err != nil {
		_ = b.wallets.Stop()
		return fmt.Errorf("failed to recover in-flight bundles: %w", err)
	}
	for _, recoverErr := range result.Errors {
		logger.WithFields(logger.Fields{
			"chain_id": b.chainID,
			"error":    recoverErr,
		}).Warn("bundle left unresolved by recovery")
	}
	if err := b.executor.Start(ctx); err != nil {
		_ = b.wallets.Stop()
		return fmt.Errorf("failed to start executor: %w", err)
	}

	b.started = true
	logger.WithFields(logger.Fields{
		"chain_id": b.chainID,
		"wallets":  len(b.wallets.Wallets()),
	}).Info("bundler started")
	return nil
}

// Stop stops bundling and waits for supervision to return. Statuses stay
// readable after Stop.
func (b *Bundler) Stop() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	err := errors.Join(b.executor.Stop(), b.wallets.Stop())
	b.monitor.Stop()
	b.started = false
	return err
}
