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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-co-op/gocron/v2"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/tranvictor/bundlerarmy/internal/nonce"
)

// ExecutorDeps are the collaborators an Executor cannot run without.
type ExecutorDeps struct {
	ChainID    uint64         `validate:"required"`
	Mempool    *Mempool       `validate:"required"`
	Wallets    *WalletPool    `validate:"required"`
	GasPrice   GasPriceSource `validate:"required"`
	Monitor    *StatusMonitor `validate:"required"`
	Reader     ChainReader    `validate:"required"`
	Writer     ChainWriter    `validate:"required"`
	Signer     Signer         `validate:"required"`
	EntryPoint EntryPoint     `validate:"required"`
}

// walletNonceKey identifies the transaction slot a bundle occupies.
type walletNonceKey struct {
	wallet common.Address
	nonce  uint64
}

// Executor turns Outstanding operations into handleOps bundles, sends them
// from pool wallets and supervises every bundle until it settles.
type Executor struct {
	chainID    uint64
	mempool    *Mempool
	wallets    *WalletPool
	gasPrice   GasPriceSource
	monitor    *StatusMonitor
	reader     ChainReader
	writer     ChainWriter
	signer     Signer
	entryPoint EntryPoint

	validator   Validator
	bundleStore BundleStore
	nonces      *nonce.Tracker
	metrics     *Metrics

	beneficiary           common.Address
	bundleInterval        time.Duration
	maxGasPerBundle       uint64
	minOps                int
	maxSubmissionAttempts int
	bundleGasOverhead     uint64
	txCheckInterval       time.Duration
	stuckTimeout          time.Duration
	maxReplacements       int
	replacementMultiplier float64
	maxFeePerGasCap       *big.Int
	callTimeout           time.Duration

	// in-flight bundles keyed by (wallet, nonce); a replacement evicts its predecessor
	inflightMu sync.Mutex
	inflight   *ConflictIndex[walletNonceKey, *TransactionInfo]

	lifecycleMu     sync.Mutex
	scheduler       gocron.Scheduler
	superviseCtx    context.Context
	cancelSupervise context.CancelFunc
	supervisors     sync.WaitGroup

	now func() time.Time
}

// NewExecutor creates an executor. It does not start bundling until Start or BundleNow.
func NewExecutor(deps ExecutorDeps, opts ...ExecutorOption) (*Executor, error) {
	if err := validator.New().Struct(deps); err != nil {
		return nil, fmt.Errorf("invalid executor dependencies: %w", err)
	}

	e := &Executor{
		chainID:               deps.ChainID,
		mempool:               deps.Mempool,
		wallets:               deps.Wallets,
		gasPrice:              deps.GasPrice,
		monitor:               deps.Monitor,
		reader:                deps.Reader,
		writer:                deps.Writer,
		signer:                deps.Signer,
		entryPoint:            deps.EntryPoint,
		nonces:                nonce.NewTracker(),
		bundleInterval:        DefaultBundleInterval,
		maxGasPerBundle:       DefaultMaxGasPerBundle,
		minOps:                DefaultMinOpsPerBundle,
		maxSubmissionAttempts: DefaultMaxSubmissionAttempts,
		bundleGasOverhead:     DefaultBundleGasOverhead,
		txCheckInterval:       DefaultTxCheckInterval,
		stuckTimeout:          DefaultStuckTimeout,
		maxReplacements:       DefaultMaxReplacements,
		replacementMultiplier: DefaultReplacementMultiplier,
		callTimeout:           DefaultExternalCallTimeout,
		inflight:              NewConflictIndex[walletNonceKey, *TransactionInfo](),
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.superviseCtx, e.cancelSupervise = context.WithCancel(context.Background())
	return e, nil
}

// Start runs a bundling cycle every bundle interval until Stop. Cycles never overlap.
func (e *Executor) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.scheduler != nil {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize bundle scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(e.bundleInterval),
		gocron.NewTask(func() {
			e.scheduledCycle(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule bundling: %w", err)
	}
	s.Start()
	e.scheduler = s

	logger.WithFields(logger.Fields{
		"chain_id":        e.chainID,
		"bundle_interval": e.bundleInterval.String(),
		"entry_point":     e.entryPoint.Address().Hex(),
	}).Info("executor started")
	return nil
}

func (e *Executor) scheduledCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := e.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoWalletAvailable), errors.Is(err, ErrEmptyBundle):
		logger.WithFields(logger.Fields{
			"chain_id": e.chainID,
			"reason":   err.Error(),
		}).Debug("skipped bundling cycle")
	default:
		logger.WithFields(logger.Fields{
			"chain_id": e.chainID,
			"error":    err,
		}).Warn("bundling cycle failed")
	}
}

// Stop stops scheduling, cancels supervision and waits for supervisors to
// return. Bundles still in flight stay Submitted and, with a BundleStore,
// are picked up again by Recover.
func (e *Executor) Stop() error {
	e.lifecycleMu.Lock()
	s := e.scheduler
	e.scheduler = nil
	e.lifecycleMu.Unlock()

	var err error
	if s != nil {
		err = s.Shutdown()
	}
	e.cancelSupervise()
	e.supervisors.Wait()
	return err
}

// BundleNow runs a single bundling cycle on demand.
func (e *Executor) BundleNow(ctx context.Context) (*BundleResult, error) {
	return e.runCycle(ctx)
}

// RunCycle runs one bundling cycle.
func (e *Executor) RunCycle(ctx context.Context) error {
	_, err := e.runCycle(ctx)
	return err
}

// InFlight returns the transactions currently supervised.
func (e *Executor) InFlight() []*TransactionInfo {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return lo.Map(e.inflight.Values(), func(t *TransactionInfo, _ int) *TransactionInfo { return t.Copy() })
}

func (e *Executor) runCycle(ctx context.Context) (result *BundleResult, err error) {
	defer func() {
		outcome := "submitted"
		switch {
		case errors.Is(err, ErrNoWalletAvailable):
			outcome = "no_wallet"
		case errors.Is(err, ErrEmptyBundle):
			outcome = "empty"
		case err != nil:
			outcome = "failed"
		}
		e.metrics.executorCycles.WithLabelValues(outcome).Inc()
	}()

	wallet, ok := e.wallets.Acquire()
	if !ok {
		return nil, ErrNoWalletAvailable
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.wallets.Release(wallet)
		}
	}()

	infos := e.mempool.Process(e.maxGasPerBundle, e.minOps)
	if len(infos) == 0 {
		return nil, ErrEmptyBundle
	}

	result = &BundleResult{}
	infos = e.dropExhausted(infos, result)
	infos = e.revalidate(ctx, infos, result)
	if len(infos) == 0 {
		return result, ErrEmptyBundle
	}

	quote, err := e.gasPrice.GetGasPrice(ctx, e.chainID)
	if err != nil {
		e.resubmitAll(infos, result)
		return result, fmt.Errorf("couldn't get gas price: %w", err)
	}

	beneficiary := e.beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = wallet
	}
	infos, data, gas, err := e.buildBundle(ctx, wallet, beneficiary, infos, result)
	if err != nil {
		e.resubmitAll(infos, result)
		return result, err
	}
	if len(infos) == 0 {
		return result, ErrEmptyBundle
	}

	signed, txInfo, err := e.sendBundle(ctx, wallet, data, gas, quote, infos)
	if err != nil {
		e.resubmitAll(infos, result)
		e.metrics.bundlesSubmitted.WithLabelValues("failed").Inc()
		return result, err
	}

	for _, info := range infos {
		e.mempool.MarkSubmitted(info.Hash, txInfo)
		e.monitor.SetStatus(info.Hash, submittedStatus(txInfo.TransactionHash))
		result.Submitted = append(result.Submitted, info.Hash)
	}
	e.metrics.userOperationsSubmitted.WithLabelValues("submitted").Add(float64(len(infos)))
	e.metrics.bundlesSubmitted.WithLabelValues("submitted").Inc()
	result.Transaction = txInfo.Copy()

	e.trackInFlight(txInfo)
	e.persistBundle(txInfo, infos, data)

	bctx, err := NewBundleExecutionContext(txInfo, signed, data, infos, e.maxReplacements, e.replacementMultiplier, e.maxFeePerGasCap)
	if err != nil {
		// unreachable with a signed tx and a pool wallet; leave the ops Submitted for recovery
		return result, err
	}

	logger.WithFields(logger.Fields{
		"tx_hash":      txInfo.TransactionHash.Hex(),
		"wallet":       wallet.Hex(),
		"nonce":        txInfo.Nonce,
		"user_ops":     len(infos),
		"gas_limit":    txInfo.GasLimit,
		"max_fee_gwei": weiToGwei(txInfo.MaxFeePerGas),
		"tip_gwei":     weiToGwei(txInfo.MaxPriorityFeePerGas),
	}).Info("bundle submitted")

	handedOff = true
	e.supervisors.Add(1)
	go e.supervise(e.superviseCtx, bctx)

	return result, nil
}

// dropExhausted removes operations that were claimed more often than allowed.
func (e *Executor) dropExhausted(infos []UserOperationInfo, result *BundleResult) []UserOperationInfo {
	return lo.Filter(infos, func(info UserOperationInfo, _ int) bool {
		if info.SubmissionAttempts <= e.maxSubmissionAttempts {
			return true
		}
		e.dropProcessing(info, fmt.Errorf("%w: %d attempts", ErrOutOfSubmissionAttempts, info.SubmissionAttempts), result)
		return false
	})
}

// revalidate re-runs validation of operations whose referenced code changed
// since admission.
func (e *Executor) revalidate(ctx context.Context, infos []UserOperationInfo, result *BundleResult) []UserOperationInfo {
	if e.validator == nil {
		return infos
	}
	return lo.Filter(infos, func(info UserOperationInfo, _ int) bool {
		refs := info.ReferencedCodeHashes
		if refs == nil || len(refs.Addresses) == 0 {
			return true
		}
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		current, err := e.validator.CodeHashes(cctx, refs.Addresses)
		cancel()
		if err != nil {
			logger.WithFields(logger.Fields{
				"user_op_hash": info.Hash.Hex(),
				"error":        err,
			}).Warn("failed to read referenced code hashes, bundling without revalidation")
			return true
		}
		if current == refs.Hash {
			return true
		}

		cctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		_, err = e.validator.Validate(cctx, info.UserOperation)
		cancel()
		if err != nil {
			e.dropProcessing(info, fmt.Errorf("revalidation after code change failed: %w", err), result)
			return false
		}
		return true
	})
}

// buildBundle encodes handleOps and estimates its gas. An operation named by
// a FailedOp revert is dropped and the estimate repeated without it. The
// returned operations are the ones still in Processing.
func (e *Executor) buildBundle(
	ctx context.Context,
	wallet, beneficiary common.Address,
	infos []UserOperationInfo,
	result *BundleResult,
) ([]UserOperationInfo, []byte, uint64, error) {
	for len(infos) > 0 {
		ops := lo.Map(infos, func(info UserOperationInfo, _ int) *UserOperation { return info.UserOperation })
		data, err := e.entryPoint.EncodeHandleOps(ops, beneficiary)
		if err != nil {
			return infos, nil, 0, fmt.Errorf("couldn't encode handleOps: %w", err)
		}

		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		gas, err := e.entryPoint.EstimateHandleOpsGas(cctx, wallet, data)
		cancel()
		if err == nil {
			return infos, data, gas + e.bundleGasOverhead, nil
		}

		var failedOp *FailedOpError
		if !errors.As(err, &failedOp) || failedOp.Index < 0 || failedOp.Index >= len(infos) {
			return infos, nil, 0, fmt.Errorf("couldn't estimate handleOps gas: %w", err)
		}
		e.dropProcessing(infos[failedOp.Index], failedOp, result)
		infos = append(infos[:failedOp.Index:failedOp.Index], infos[failedOp.Index+1:]...)
	}
	return infos, nil, 0, nil
}

// sendBundle reserves a nonce, signs and sends the bundle transaction.
func (e *Executor) sendBundle(
	ctx context.Context,
	wallet common.Address,
	data []byte,
	gas uint64,
	quote *GasPriceParameters,
	infos []UserOperationInfo,
) (*types.Transaction, *TransactionInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	chainPending, err := e.reader.PendingNonceAt(cctx, wallet)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't get pending nonce of %s: %w", wallet.Hex(), err)
	}
	txNonce := e.nonces.Next(wallet, e.chainID, chainPending)

	signed, err := e.signAndSend(ctx, wallet, txNonce, gas, data, quote)
	if err != nil {
		if errors.Is(err, ErrNonceTooLow) {
			e.nonces.Reset(wallet, e.chainID)
		} else {
			e.nonces.Release(wallet, e.chainID, txNonce)
		}
		if errors.Is(err, ErrInsufficientFunds) {
			logger.WithFields(logger.Fields{
				"wallet": wallet.Hex(),
				"error":  err,
			}).Warn("executor wallet cannot pay for bundle")
		}
		return nil, nil, err
	}

	now := e.now()
	txInfo := &TransactionInfo{
		TransactionHash:      signed.Hash(),
		Executor:             wallet,
		ChainID:              e.chainID,
		Nonce:                txNonce,
		GasLimit:             gas,
		MaxFeePerGas:         new(big.Int).Set(signed.GasFeeCap()),
		MaxPriorityFeePerGas: new(big.Int).Set(signed.GasTipCap()),
		UserOperationHashes:  lo.Map(infos, func(info UserOperationInfo, _ int) common.Hash { return info.Hash }),
		FirstSubmitted:       now,
		LastReplaced:         now,
	}
	return signed, txInfo, nil
}

func (e *Executor) signAndSend(
	ctx context.Context,
	wallet common.Address,
	txNonce, gas uint64,
	data []byte,
	fees *GasPriceParameters,
) (*types.Transaction, error) {
	to := e.entryPoint.Address()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(e.chainID),
		Nonce:     txNonce,
		GasTipCap: new(big.Int).Set(fees.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(fees.MaxFeePerGas),
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})

	signed, err := e.signer.SignTx(ctx, wallet, tx)
	if err != nil {
		return nil, fmt.Errorf("couldn't sign bundle: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	hash, err := e.writer.SendTransaction(cctx, signed)
	if err != nil {
		return signed, classifySendError(err)
	}
	if hash != signed.Hash() {
		logger.WithFields(logger.Fields{
			"tx_hash":       signed.Hash().Hex(),
			"returned_hash": hash.Hex(),
		}).Warn("node returned a different hash for the bundle")
	}
	return signed, nil
}

func (e *Executor) dropProcessing(info UserOperationInfo, reason error, result *BundleResult) {
	e.mempool.RemoveProcessing(info.Hash)
	e.monitor.SetStatus(info.Hash, failedStatus(nil))
	e.metrics.userOperationsSubmitted.WithLabelValues("dropped").Inc()
	if result != nil {
		result.Dropped = append(result.Dropped, info.Hash)
	}
	logger.WithFields(logger.Fields{
		"user_op_hash": info.Hash.Hex(),
		"sender":       info.UserOperation.Sender.Hex(),
		"attempts":     info.SubmissionAttempts,
		"reason":       reason.Error(),
	}).Warn("dropped user operation")
}

func (e *Executor) resubmitAll(infos []UserOperationInfo, result *BundleResult) {
	for _, info := range infos {
		if e.mempool.Resubmit(info.Hash) && result != nil {
			result.Resubmitted = append(result.Resubmitted, info.Hash)
		}
	}
	if len(infos) > 0 {
		e.metrics.userOperationsSubmitted.WithLabelValues("resubmitted").Add(float64(len(infos)))
	}
}

func (e *Executor) trackInFlight(txInfo *TransactionInfo) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	key := walletNonceKey{wallet: txInfo.Executor, nonce: txInfo.Nonce}
	if evicted, replaced := e.inflight.Put(key, txInfo.Copy()); replaced {
		logger.WithFields(logger.Fields{
			"tx_hash":       txInfo.TransactionHash.Hex(),
			"replaced_hash": evicted.TransactionHash.Hex(),
			"nonce":         txInfo.Nonce,
		}).Debug("in-flight bundle replaced")
	}
}

func (e *Executor) untrackInFlight(txInfo *TransactionInfo) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()

	key := walletNonceKey{wallet: txInfo.Executor, nonce: txInfo.Nonce}
	e.inflight.DeleteIf(key, func(t *TransactionInfo) bool {
		return lo.Contains(txInfo.AllTransactionHashes(), t.TransactionHash)
	})
}

func (e *Executor) persistBundle(txInfo *TransactionInfo, infos []UserOperationInfo, data []byte) {
	if e.bundleStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	record := &BundleRecord{
		Transaction:        txInfo.Copy(),
		UserOperations:     lo.Map(infos, func(info UserOperationInfo, _ int) *UserOperation { return info.UserOperation }),
		SubmissionAttempts: lo.Map(infos, func(info UserOperationInfo, _ int) int { return info.SubmissionAttempts }),
		Data:               data,
	}
	if err := e.bundleStore.Save(ctx, record); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": txInfo.TransactionHash.Hex(),
			"error":   err,
		}).Warn("failed to persist in-flight bundle")
	}
}

func (e *Executor) forgetBundle(txInfo *TransactionInfo) {
	e.untrackInFlight(txInfo)
	if e.bundleStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()
	if err := e.bundleStore.Delete(ctx, txInfo.Executor, txInfo.ChainID, txInfo.Nonce); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": txInfo.TransactionHash.Hex(),
			"error":   err,
		}).Warn("failed to delete settled bundle from store")
	}
}
