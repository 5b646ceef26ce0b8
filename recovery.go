package bundlerarmy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// recoveryReceiptRetries bounds transient receipt lookups per transaction
const recoveryReceiptRetries = 3

// RecoveryResult summarizes what Recover did with each persisted bundle.
type RecoveryResult struct {
	IncludedBundles   int
	RevertedBundles   int
	ReadmittedBundles int
	IncludedOps       int
	FailedOps         int
	ReadmittedOps     int
	Errors            []error
}

// Recover resumes after a crash or restart. Every bundle persisted in the
// BundleStore is resolved against the chain: the operations of an included
// bundle are marked included, the operation that reverted a mined bundle is
// marked failed, and every other operation is admitted again as Outstanding
// with its submission attempts kept. The nonce tracker is advanced past every
// recovered nonce.
//
// Call it once during startup, before Start.
func (e *Executor) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}
	if e.bundleStore == nil {
		return result, nil
	}

	records, err := e.bundleStore.ListPending(ctx, e.chainID)
	if err != nil {
		return result, fmt.Errorf("couldn't list in-flight bundles: %w", err)
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if record == nil || record.Transaction == nil {
			continue
		}
		tx := record.Transaction

		receipt, err := e.lookupReceipt(ctx, tx.AllTransactionHashes())
		if err != nil {
			// leave the record for the next start
			result.Errors = append(result.Errors, fmt.Errorf("bundle %s: %w", tx.TransactionHash.Hex(), err))
			continue
		}

		e.nonces.SetPendingNonce(tx.Executor, tx.ChainID, tx.Nonce)

		switch {
		case receipt != nil && receipt.Status == types.ReceiptStatusSuccessful:
			for _, op := range record.UserOperations {
				hash := e.mempool.HashOf(op)
				e.monitor.SetStatus(hash, includedStatus(receipt.TxHash))
				e.metrics.userOperationsOnChain.WithLabelValues("included").Inc()
				result.IncludedOps++
			}
			result.IncludedBundles++
		case receipt != nil:
			offender := e.recoveredOffender(ctx, record, receipt)
			txHash := receipt.TxHash
			for i, op := range record.UserOperations {
				if i == offender {
					e.monitor.SetStatus(e.mempool.HashOf(op), failedStatus(&txHash))
					e.metrics.userOperationsOnChain.WithLabelValues("failed").Inc()
					result.FailedOps++
					continue
				}
				e.readmit(record, i, result)
			}
			result.RevertedBundles++
		default:
			for i := range record.UserOperations {
				e.readmit(record, i, result)
			}
			result.ReadmittedBundles++
		}

		dctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		if err := e.bundleStore.Delete(dctx, tx.Executor, tx.ChainID, tx.Nonce); err != nil {
			result.Errors = append(result.Errors, err)
		}
		cancel()
	}

	logger.WithFields(logger.Fields{
		"chain_id":           e.chainID,
		"included_bundles":   result.IncludedBundles,
		"reverted_bundles":   result.RevertedBundles,
		"readmitted_bundles": result.ReadmittedBundles,
		"errors":             len(result.Errors),
	}).Info("recovered in-flight bundles")
	return result, nil
}

// readmit puts the i-th operation of record back into Outstanding.
func (e *Executor) readmit(record *BundleRecord, i int, result *RecoveryResult) {
	carried := &UserOperationInfo{FirstSeen: record.Transaction.FirstSubmitted}
	if carried.FirstSeen.IsZero() {
		carried.FirstSeen = e.now()
	}
	if i < len(record.SubmissionAttempts) {
		carried.SubmissionAttempts = record.SubmissionAttempts[i]
	}

	hash, err := e.mempool.add(record.UserOperations[i], nil, carried)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("readmit %s: %w", hash.Hex(), err))
		return
	}
	e.monitor.SetStatus(hash, StatusEntry{Status: StatusPending})
	result.ReadmittedOps++
}

// recoveredOffender rebuilds the reverted bundle transaction from the record
// and asks the EntryPoint which operation failed it. It returns -1 when that
// cannot be told.
func (e *Executor) recoveredOffender(ctx context.Context, record *BundleRecord, receipt *types.Receipt) int {
	tx := record.Transaction
	if len(record.Data) == 0 {
		return -1
	}
	to := e.entryPoint.Address()
	signed, err := e.signer.SignTx(ctx, tx.Executor, types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(tx.ChainID),
		Nonce:     tx.Nonce,
		GasTipCap: bigOrZero(tx.MaxPriorityFeePerGas),
		GasFeeCap: bigOrZero(tx.MaxFeePerGas),
		Gas:       tx.GasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      record.Data,
	}))
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		var failedOp *FailedOpError
		failedOp, err = e.entryPoint.FailedOpFromReceipt(cctx, signed, receipt)
		cancel()
		if err == nil && failedOp != nil && failedOp.Index >= 0 && failedOp.Index < len(record.UserOperations) {
			return failedOp.Index
		}
	}
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": receipt.TxHash.Hex(),
			"error":   err,
		}).Warn("failed to identify the operation that reverted a recovered bundle")
	}
	return -1
}

// lookupReceipt returns the receipt of the first hash that was mined, nil when
// none was, retrying transient node errors with exponential backoff.
func (e *Executor) lookupReceipt(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	for _, hash := range hashes {
		var receipt *types.Receipt
		operation := func() error {
			cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			r, err := e.reader.TransactionReceipt(cctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			receipt = r
			return nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, recoveryReceiptRetries), ctx))
		if err != nil {
			return nil, fmt.Errorf("couldn't get receipt of %s: %w", hash.Hex(), err)
		}
		if receipt != nil {
			return receipt, nil
		}
	}
	return nil, nil
}
