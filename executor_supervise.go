package bundlerarmy

import (
	"context"
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	replaceReasonGasPrice = "gas_price"
	replaceReasonStuck    = "stuck"
)

// supervise watches a bundle until it is included, reverts, runs out of
// replacements or the executor stops. The wallet is released when it returns.
func (e *Executor) supervise(ctx context.Context, bctx *BundleExecutionContext) {
	defer e.supervisors.Done()
	defer e.wallets.Release(bctx.Wallet)

	for {
		receipt, err := e.writer.WaitForReceipt(ctx, bctx.Tx.TransactionHash, e.txCheckInterval)
		if err == nil && receipt != nil {
			e.handleReceipt(ctx, bctx, receipt)
			return
		}
		if ctx.Err() != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": bctx.Tx.TransactionHash.Hex(),
			}).Info("executor stopping, leaving bundle in flight")
			return
		}
		if err != nil && !errors.Is(err, ErrReceiptTimeout) {
			logger.WithFields(logger.Fields{
				"tx_hash": bctx.Tx.TransactionHash.Hex(),
				"error":   err,
			}).Warn("failed to wait for bundle receipt")
		}

		if receipt := e.findPreviousReceipt(ctx, bctx); receipt != nil {
			e.handleReceipt(ctx, bctx, receipt)
			return
		}

		result := e.handleSlowBundle(ctx, bctx)
		if result.ShouldReturn {
			return
		}
	}
}

// findPreviousReceipt checks whether a transaction replaced earlier was mined.
func (e *Executor) findPreviousReceipt(ctx context.Context, bctx *BundleExecutionContext) *types.Receipt {
	for _, hash := range bctx.Tx.PreviousTransactionHashes {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		receipt, err := e.reader.TransactionReceipt(cctx, hash)
		cancel()
		if err == nil && receipt != nil {
			return receipt
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"error":   err,
			}).Debug("failed to check receipt of replaced bundle")
		}
	}
	return nil
}

// handleReceipt settles a mined bundle.
func (e *Executor) handleReceipt(ctx context.Context, bctx *BundleExecutionContext, receipt *types.Receipt) {
	e.nonces.Confirm(bctx.Wallet, bctx.ChainID, bctx.Nonce)
	e.forgetBundle(bctx.Tx)

	if receipt.Status == types.ReceiptStatusSuccessful {
		e.handleIncluded(bctx, receipt)
		return
	}
	e.handleReverted(ctx, bctx, receipt)
}

func (e *Executor) handleIncluded(bctx *BundleExecutionContext, receipt *types.Receipt) {
	elapsed := e.now().Sub(bctx.Tx.FirstSubmitted)
	for _, op := range bctx.Ops {
		e.mempool.RemoveSubmitted(op.Hash)
		e.monitor.SetStatus(op.Hash, includedStatus(receipt.TxHash))
		e.metrics.userOperationsOnChain.WithLabelValues("included").Inc()
		e.metrics.userOperationInclusionDuration.Observe(elapsed.Seconds())
	}
	logger.WithFields(logger.Fields{
		"tx_hash":      receipt.TxHash.Hex(),
		"block_number": receipt.BlockNumber,
		"user_ops":     len(bctx.Ops),
		"replacements": bctx.Replacements,
	}).Info("bundle included")
}

// handleReverted drops the operation the EntryPoint blamed and sends every
// other operation of the bundle back to Outstanding.
func (e *Executor) handleReverted(ctx context.Context, bctx *BundleExecutionContext, receipt *types.Receipt) {
	offender := -1
	if tx := bctx.SentTxs[receipt.TxHash]; tx != nil {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		failedOp, err := e.entryPoint.FailedOpFromReceipt(cctx, tx, receipt)
		cancel()
		switch {
		case err != nil:
			logger.WithFields(logger.Fields{
				"tx_hash": receipt.TxHash.Hex(),
				"error":   err,
			}).Warn("failed to identify the operation that reverted the bundle")
		case failedOp != nil && failedOp.Index >= 0 && failedOp.Index < len(bctx.Ops):
			offender = failedOp.Index
		}
	}

	txHash := receipt.TxHash
	for i, op := range bctx.Ops {
		if i == offender {
			e.mempool.RemoveSubmitted(op.Hash)
			e.monitor.SetStatus(op.Hash, failedStatus(&txHash))
			e.metrics.userOperationsOnChain.WithLabelValues("failed").Inc()
			continue
		}
		if e.mempool.Resubmit(op.Hash) {
			e.monitor.SetStatus(op.Hash, StatusEntry{Status: StatusPending})
		}
	}
	logger.WithFields(logger.Fields{
		"tx_hash":  txHash.Hex(),
		"offender": offender,
		"user_ops": len(bctx.Ops),
	}).Warn("bundle reverted")
}

// handleSlowBundle replaces a bundle that has not been mined when the
// network price moved above its fees or it has been waiting too long.
func (e *Executor) handleSlowBundle(ctx context.Context, bctx *BundleExecutionContext) SupervisionResult {
	quote, err := e.gasPrice.GetGasPrice(ctx, e.chainID)
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": bctx.Tx.TransactionHash.Hex(),
			"error":   err,
		}).Warn("couldn't get gas price for replacement, waiting")
		return SupervisionResult{ShouldRetry: true}
	}

	var reason string
	switch {
	case quote.MaxFeePerGas.Cmp(bctx.Tx.MaxFeePerGas) > 0 ||
		quote.MaxPriorityFeePerGas.Cmp(bctx.Tx.MaxPriorityFeePerGas) > 0:
		reason = replaceReasonGasPrice
	case e.now().Sub(bctx.Tx.LastReplaced) >= e.stuckTimeout:
		reason = replaceReasonStuck
	default:
		return SupervisionResult{ShouldRetry: true}
	}

	return e.replaceBundle(ctx, bctx, quote, reason)
}

func (e *Executor) replaceBundle(ctx context.Context, bctx *BundleExecutionContext, quote *GasPriceParameters, reason string) SupervisionResult {
	fees, err := bctx.BumpFees(quote)
	if err != nil {
		e.metrics.replacedTransactions.WithLabelValues(reason, "limit_reached").Inc()
		// a capped bundle still spends its replacement budget once per stuck timeout
		if budgetErr := bctx.ChargeCappedAttempt(reason, e.now(), e.stuckTimeout); budgetErr != nil {
			e.metrics.replacedTransactions.WithLabelValues(reason, "out_of_replacements").Inc()
			err = errors.Join(budgetErr, err)
			e.failBundle(bctx, err)
			return SupervisionResult{ShouldReturn: true, Error: err}
		}
		logger.WithFields(logger.Fields{
			"tx_hash":      bctx.Tx.TransactionHash.Hex(),
			"reason":       reason,
			"replacements": bctx.Replacements,
			"error":        err,
		}).Warn("bundle replacement exceeds fee cap, keeping current transaction")
		return SupervisionResult{ShouldRetry: true, Error: err}
	}

	if err := bctx.IncrementReplacementAndCheck(reason); err != nil {
		e.metrics.replacedTransactions.WithLabelValues(reason, "out_of_replacements").Inc()
		e.failBundle(bctx, err)
		return SupervisionResult{ShouldReturn: true, Error: err}
	}

	signed, err := e.signAndSend(ctx, bctx.Wallet, bctx.Nonce, bctx.GasLimit, bctx.Data, fees)
	if err != nil {
		if errors.Is(err, ErrNonceTooLow) || errors.Is(err, ErrTxAlreadyKnown) {
			e.metrics.replacedTransactions.WithLabelValues(reason, "potentially_already_included").Inc()
			if bctx.RecordPotentiallyIncluded() {
				err = errors.Join(ErrPotentiallyIncluded, err)
				e.failBundle(bctx, err)
				return SupervisionResult{ShouldReturn: true, Error: err}
			}
			return SupervisionResult{ShouldRetry: true, Error: err}
		}
		e.metrics.replacedTransactions.WithLabelValues(reason, "failed").Inc()
		logger.WithFields(logger.Fields{
			"tx_hash": bctx.Tx.TransactionHash.Hex(),
			"reason":  reason,
			"error":   err,
		}).Warn("failed to send bundle replacement")
		return SupervisionResult{ShouldRetry: true, Error: err}
	}

	previous := bctx.Tx.TransactionHash
	txInfo := bctx.ApplyReplacement(signed, e.now())
	for _, op := range bctx.Ops {
		e.mempool.ReplaceSubmitted(op.Hash, txInfo)
		e.monitor.SetStatus(op.Hash, submittedStatus(txInfo.TransactionHash))
	}
	e.trackInFlight(txInfo)
	e.persistBundle(txInfo, bctx.Ops, bctx.Data)
	e.metrics.replacedTransactions.WithLabelValues(reason, "success").Inc()

	logger.WithFields(logger.Fields{
		"tx_hash":       txInfo.TransactionHash.Hex(),
		"replaced_hash": previous.Hex(),
		"nonce":         txInfo.Nonce,
		"reason":        reason,
		"max_fee_gwei":  weiToGwei(txInfo.MaxFeePerGas),
		"tip_gwei":      weiToGwei(txInfo.MaxPriorityFeePerGas),
		"replacements":  bctx.Replacements,
	}).Info("bundle replaced")
	return SupervisionResult{ShouldRetry: true}
}

// failBundle gives up on a bundle: every operation leaves Submitted as failed.
func (e *Executor) failBundle(bctx *BundleExecutionContext, reason error) {
	txHash := bctx.Tx.TransactionHash
	for _, op := range bctx.Ops {
		e.mempool.RemoveSubmitted(op.Hash)
		e.monitor.SetStatus(op.Hash, failedStatus(&txHash))
		e.metrics.userOperationsOnChain.WithLabelValues("failed").Inc()
	}
	// the last transaction may still land; let the next bundle read the nonce from the chain
	e.nonces.Reset(bctx.Wallet, bctx.ChainID)
	e.forgetBundle(bctx.Tx)

	logger.WithFields(logger.Fields{
		"tx_hash":  txHash.Hex(),
		"wallet":   bctx.Wallet.Hex(),
		"nonce":    bctx.Nonce,
		"user_ops": len(bctx.Ops),
		"reason":   fmt.Sprint(reason),
	}).Warn("gave up on bundle")
}
