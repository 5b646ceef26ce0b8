package bundlerarmy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

func statusOf(s *executorSetup, hash common.Hash) UserOperationStatus {
	return s.monitor.GetStatus(hash).Status
}

// ============================================================
// Bundling Cycle Tests
// ============================================================

func TestExecutor_NoWalletAvailable(t *testing.T) {
	s := newExecutorSetupWithWallets(t, nil)
	s.addOps(t, newTestUserOp(testSender1, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.ErrorIs(t, err, ErrNoWalletAvailable)

	// nothing was claimed
	assert.Len(t, s.mempool.DumpOutstanding(), 1)
	assert.Empty(t, s.mempool.DumpProcessing())
	assert.Empty(t, s.writer.sent())
	assert.Zero(t, s.gasPrice.calls())
}

func TestExecutor_EmptyMempool(t *testing.T) {
	s := newExecutorSetup(t)

	_, err := s.executor.BundleNow(context.Background())
	require.ErrorIs(t, err, ErrEmptyBundle)
	assert.Equal(t, 1, s.wallets.Available(), "wallet must be released")
	assert.Empty(t, s.writer.sent())
}

func TestExecutor_SubmitsBundle(t *testing.T) {
	s := newExecutorSetup(t)
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender1, 1))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, hashes, result.Submitted)

	sent := s.writer.sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, result.Transaction.TransactionHash, tx.Hash())
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, testEntryPoint, *tx.To())
	assert.Equal(t, uint64(200_000+DefaultBundleGasOverhead), tx.Gas())
	assert.Equal(t, int64(30_000_000_000), tx.GasFeeCap().Int64())
	assert.Equal(t, twoGwei.Int64(), tx.GasTipCap().Int64())

	// the sending wallet is the default beneficiary
	calls := s.entryPoint.encodeCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 2)
	assert.Equal(t, testWallet1, s.entryPoint.Beneficiaries[0])

	submitted := s.mempool.DumpSubmittedOps()
	require.Len(t, submitted, 2)
	for _, op := range submitted {
		assert.Equal(t, tx.Hash(), op.Transaction.TransactionHash)
		entry := s.monitor.GetStatus(op.Hash)
		assert.Equal(t, StatusSubmitted, entry.Status)
		require.NotNil(t, entry.TransactionHash)
		assert.Equal(t, tx.Hash(), *entry.TransactionHash)
	}
	assert.Empty(t, s.mempool.DumpOutstanding())
	assert.Empty(t, s.mempool.DumpProcessing())

	inflight := s.executor.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, tx.Hash(), inflight[0].TransactionHash)

	record := s.store.get(testWallet1, testChainID, 0)
	require.NotNil(t, record)
	assert.Len(t, record.UserOperations, 2)

	// the wallet stays lent while the bundle is supervised
	assert.Equal(t, 0, s.wallets.Available())
}

func TestExecutor_UsesConfiguredBeneficiary(t *testing.T) {
	beneficiary := common.HexToAddress("0xbeef")
	s := newExecutorSetup(t, WithBeneficiary(beneficiary))
	s.addOps(t, newTestUserOp(testSender1, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, beneficiary, s.entryPoint.Beneficiaries[0])
}

func TestExecutor_ConcurrentBundlesUseDifferentWallets(t *testing.T) {
	s := newExecutorSetupWithWallets(t, []common.Address{testWallet1, testWallet2})
	s.addOps(t, newTestUserOp(testSender1, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)

	s.addOps(t, newTestUserOp(testSender2, 0))
	_, err = s.executor.BundleNow(context.Background())
	require.NoError(t, err)

	sent := s.writer.sent()
	require.Len(t, sent, 2)
	signer := types.LatestSignerForChainID(sent[0].ChainId())
	from0, err := types.Sender(signer, sent[0])
	require.NoError(t, err)
	from1, err := types.Sender(signer, sent[1])
	require.NoError(t, err)
	assert.NotEqual(t, from0, from1, "each bundle gets its own wallet")
}

func TestExecutor_DropsOperationOutOfAttempts(t *testing.T) {
	s := newExecutorSetup(t, WithMaxSubmissionAttempts(1))
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	s.gasPrice.GetGasPriceFn = func(context.Context, uint64) (*GasPriceParameters, error) {
		return nil, ErrGasPriceUnavailable
	}
	result, err := s.executor.BundleNow(context.Background())
	require.ErrorIs(t, err, ErrGasPriceUnavailable)
	assert.Equal(t, []common.Hash{hash}, result.Resubmitted)

	// second claim exceeds the single allowed attempt
	result, err = s.executor.BundleNow(context.Background())
	require.ErrorIs(t, err, ErrEmptyBundle)
	assert.Equal(t, []common.Hash{hash}, result.Dropped)
	assert.Equal(t, StatusFailed, statusOf(s, hash))
	assert.Empty(t, s.mempool.DumpOutstanding())
	assert.Empty(t, s.mempool.DumpProcessing())
	assert.Empty(t, s.writer.sent())
}

func TestExecutor_GasPriceErrorResubmits(t *testing.T) {
	s := newExecutorSetup(t)
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))
	s.gasPrice.GetGasPriceFn = func(context.Context, uint64) (*GasPriceParameters, error) {
		return nil, errors.New("node down")
	}

	result, err := s.executor.BundleNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't get gas price")
	assert.ElementsMatch(t, hashes, result.Resubmitted)

	outstanding := s.mempool.DumpOutstanding()
	require.Len(t, outstanding, 2)
	assert.Equal(t, hashes[0], outstanding[0].Hash, "resubmitted operations keep their position")
	assert.Equal(t, 1, outstanding[0].SubmissionAttempts)
	assert.Equal(t, 1, s.wallets.Available())
}

func TestExecutor_FailedOpDuringEstimateIsDropped(t *testing.T) {
	s := newExecutorSetup(t)
	var estimates atomic.Int32
	s.entryPoint.EstimateHandleOpsGasFn = func(context.Context, common.Address, []byte) (uint64, error) {
		if estimates.Add(1) == 1 {
			return 0, &FailedOpError{Index: 0, Reason: "AA21 didn't pay prefund"}
		}
		return 150_000, nil
	}
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{hashes[0]}, result.Dropped)
	assert.Equal(t, []common.Hash{hashes[1]}, result.Submitted)
	assert.Equal(t, StatusFailed, statusOf(s, hashes[0]))
	assert.Equal(t, StatusSubmitted, statusOf(s, hashes[1]))

	calls := s.entryPoint.encodeCalls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 1)
	assert.Equal(t, uint64(150_000+DefaultBundleGasOverhead), s.writer.lastSent().Gas())
}

func TestExecutor_EstimateErrorResubmits(t *testing.T) {
	s := newExecutorSetup(t)
	s.entryPoint.EstimateHandleOpsGasFn = func(context.Context, common.Address, []byte) (uint64, error) {
		return 0, errors.New("execution reverted")
	}
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	result, err := s.executor.BundleNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't estimate handleOps gas")
	assert.Equal(t, []common.Hash{hash}, result.Resubmitted)
	assert.Equal(t, StatusNotFound, statusOf(s, hash))
	assert.Len(t, s.mempool.DumpOutstanding(), 1)
}

func TestExecutor_RevalidatesChangedCode(t *testing.T) {
	validator := &mockValidator{
		ValidateFn: func(context.Context, *UserOperation) (*ReferencedCodeHashes, error) {
			return nil, errors.New("banned opcode")
		},
		CodeHashesFn: func(context.Context, []common.Address) (common.Hash, error) {
			return common.HexToHash("0x02"), nil
		},
	}
	s := newExecutorSetup(t, WithExecutorValidator(validator))
	refs := &ReferencedCodeHashes{Addresses: []common.Address{testPaymaster}, Hash: common.HexToHash("0x01")}
	require.True(t, s.mempool.Add(newTestUserOp(testSender1, 0), refs))
	unchanged := newTestUserOp(testSender2, 0)
	require.True(t, s.mempool.Add(unchanged, nil))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, []common.Hash{s.mempool.HashOf(unchanged)}, result.Submitted)
	assert.Len(t, validator.ValidateCalls, 1)
}

func TestExecutor_SendErrors(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
		want    error
	}{
		{name: "nonce too low", sendErr: errors.New("nonce too low: next nonce 4, tx nonce 0"), want: ErrNonceTooLow},
		{name: "underpriced", sendErr: errors.New("replacement transaction underpriced"), want: ErrUnderpriced},
		{name: "insufficient funds", sendErr: errors.New("insufficient funds for gas * price + value"), want: ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newExecutorSetup(t)
			s.writer.SendTransactionFn = func(context.Context, *types.Transaction) (common.Hash, error) {
				return common.Hash{}, tt.sendErr
			}
			hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

			result, err := s.executor.BundleNow(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, []common.Hash{hash}, result.Resubmitted)
			assert.Len(t, s.mempool.DumpOutstanding(), 1)
			assert.Empty(t, s.executor.InFlight())
			assert.Zero(t, s.store.len())
			assert.Equal(t, 1, s.wallets.Available())
		})
	}
}

func TestExecutor_NonceTooLowFollowsChainNonce(t *testing.T) {
	s := newExecutorSetup(t)
	var failSend atomic.Bool
	failSend.Store(true)
	s.writer.SendTransactionFn = func(context.Context, *types.Transaction) (common.Hash, error) {
		if failSend.Load() {
			return common.Hash{}, errors.New("nonce too low")
		}
		return common.Hash{}, nil
	}
	var chainNonce atomic.Uint64
	s.reader.PendingNonceAtFn = func(context.Context, common.Address) (uint64, error) {
		return chainNonce.Load(), nil
	}
	s.addOps(t, newTestUserOp(testSender1, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.ErrorIs(t, err, ErrNonceTooLow)

	failSend.Store(false)
	chainNonce.Store(4)
	_, err = s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.writer.lastSent().Nonce())
}

// ============================================================
// Supervision Tests
// ============================================================

func TestExecutor_BundleIncluded(t *testing.T) {
	s := newExecutorSetup(t)
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	txHash := result.Transaction.TransactionHash

	s.writer.mine(newSuccessReceipt(txHash))

	assert.Eventually(t, func() bool {
		return statusOf(s, hashes[0]) == StatusIncluded && statusOf(s, hashes[1]) == StatusIncluded
	}, eventuallyWait, eventuallyTick)
	assert.Eventually(t, func() bool { return s.wallets.Available() == 1 }, eventuallyWait, eventuallyTick)

	entry := s.monitor.GetStatus(hashes[0])
	require.NotNil(t, entry.TransactionHash)
	assert.Equal(t, txHash, *entry.TransactionHash)
	assert.Empty(t, s.mempool.DumpSubmittedOps())
	assert.Empty(t, s.executor.InFlight())
	assert.Zero(t, s.store.len())
}

func TestExecutor_BundleRevertedDropsOffender(t *testing.T) {
	s := newExecutorSetup(t)
	s.entryPoint.FailedOpFromReceiptFn = func(context.Context, *types.Transaction, *types.Receipt) (*FailedOpError, error) {
		return &FailedOpError{Index: 1, Reason: "AA23 reverted"}, nil
	}
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	s.writer.mine(newFailedReceipt(result.Transaction.TransactionHash))

	assert.Eventually(t, func() bool {
		return statusOf(s, hashes[1]) == StatusFailed
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, StatusPending, statusOf(s, hashes[0]))

	outstanding := s.mempool.DumpOutstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, hashes[0], outstanding[0].Hash)
	assert.Empty(t, s.mempool.DumpSubmittedOps())
	assert.Zero(t, s.store.len())
}

func TestExecutor_BundleRevertedWithoutOffenderResubmitsAll(t *testing.T) {
	s := newExecutorSetup(t)
	s.entryPoint.FailedOpFromReceiptFn = func(context.Context, *types.Transaction, *types.Receipt) (*FailedOpError, error) {
		return nil, errors.New("trace unavailable")
	}
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	s.writer.mine(newFailedReceipt(result.Transaction.TransactionHash))

	assert.Eventually(t, func() bool {
		return len(s.mempool.DumpOutstanding()) == 2
	}, eventuallyWait, eventuallyTick)
	assert.Equal(t, StatusPending, statusOf(s, hashes[0]))
	assert.Equal(t, StatusPending, statusOf(s, hashes[1]))
}

func TestExecutor_ReplacesWhenPriceRises(t *testing.T) {
	s := newExecutorSetup(t)
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	first := result.Transaction.TransactionHash

	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))

	assert.Eventually(t, func() bool { return len(s.writer.sent()) >= 2 }, eventuallyWait, eventuallyTick)
	replacement := s.writer.sent()[1]
	assert.Equal(t, uint64(0), replacement.Nonce(), "replacement keeps the nonce")
	assert.Equal(t, 0, gweiInt(40).Cmp(replacement.GasFeeCap()))
	assert.Equal(t, 0, gweiInt(3).Cmp(replacement.GasTipCap()))
	assert.Equal(t, result.Transaction.GasLimit, replacement.Gas())

	assert.Eventually(t, func() bool {
		entry := s.monitor.GetStatus(hash)
		return entry.TransactionHash != nil && *entry.TransactionHash == replacement.Hash()
	}, eventuallyWait, eventuallyTick)

	submitted := s.mempool.DumpSubmittedOps()
	require.Len(t, submitted, 1)
	assert.Equal(t, replacement.Hash(), submitted[0].Transaction.TransactionHash)
	assert.Equal(t, []common.Hash{first}, submitted[0].Transaction.PreviousTransactionHashes)

	// the record is persisted last
	assert.Eventually(t, func() bool {
		record := s.store.get(testWallet1, testChainID, 0)
		return record != nil && record.Transaction.TransactionHash == replacement.Hash()
	}, eventuallyWait, eventuallyTick)

	inflight := s.executor.InFlight()
	require.Len(t, inflight, 1)
	assert.Equal(t, replacement.Hash(), inflight[0].TransactionHash)

	// the quote no longer exceeds the fees, no further replacement
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.writer.sent(), 2)
}

func TestExecutor_ReplacesStuckBundle(t *testing.T) {
	s := newExecutorSetup(t, WithStuckTimeout(time.Minute))
	clock := newFakeClock()
	s.executor.now = clock.Now
	s.addOps(t, newTestUserOp(testSender1, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, s.writer.sent(), 1, "not stuck yet")

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool { return len(s.writer.sent()) == 2 }, eventuallyWait, eventuallyTick)

	replacement := s.writer.sent()[1]
	assert.Equal(t, int64(33_000_000_000), replacement.GasFeeCap().Int64())
	assert.Equal(t, int64(2_200_000_000), replacement.GasTipCap().Int64())
}

func TestExecutor_EarlierTransactionMined(t *testing.T) {
	s := newExecutorSetup(t)
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	var (
		mined atomic.Bool
		first atomic.Value
	)
	s.reader.TransactionReceiptFn = func(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
		if mined.Load() && txHash == first.Load() {
			return newSuccessReceipt(txHash), nil
		}
		return nil, ethereum.NotFound
	}

	result, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	first.Store(result.Transaction.TransactionHash)
	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))
	assert.Eventually(t, func() bool { return len(s.writer.sent()) == 2 }, eventuallyWait, eventuallyTick)

	mined.Store(true)
	assert.Eventually(t, func() bool { return statusOf(s, hash) == StatusIncluded }, eventuallyWait, eventuallyTick)

	entry := s.monitor.GetStatus(hash)
	require.NotNil(t, entry.TransactionHash)
	assert.Equal(t, result.Transaction.TransactionHash, *entry.TransactionHash)
	assert.Eventually(t, func() bool { return s.store.len() == 0 }, eventuallyWait, eventuallyTick)
}

func TestExecutor_FeeCapStopsReplacement(t *testing.T) {
	s := newExecutorSetup(t, WithMaxFeePerGasCap(gweiInt(35)))
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)

	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))
	assert.Eventually(t, func() bool { return s.gasPrice.calls() >= 3 }, eventuallyWait, eventuallyTick)

	assert.Len(t, s.writer.sent(), 1)
	assert.Equal(t, StatusSubmitted, statusOf(s, hash))
	assert.Len(t, s.mempool.DumpSubmittedOps(), 1)
}

func TestExecutor_FeeCappedBundleRunsOutOfReplacements(t *testing.T) {
	s := newExecutorSetup(t,
		WithMaxFeePerGasCap(gweiInt(35)),
		WithStuckTimeout(10*time.Millisecond),
		WithMaxReplacements(1),
	)
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.wallets.Available())

	// the network price stays above the cap for good
	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))

	assert.Eventually(t, func() bool { return statusOf(s, hash) == StatusFailed }, eventuallyWait, eventuallyTick)
	assert.Eventually(t, func() bool { return s.wallets.Available() == 1 }, eventuallyWait, eventuallyTick)
	assert.Len(t, s.writer.sent(), 1)
	assert.Empty(t, s.mempool.DumpSubmittedOps())
	assert.Empty(t, s.executor.InFlight())
	assert.Eventually(t, func() bool { return s.store.len() == 0 }, eventuallyWait, eventuallyTick)
}

func TestExecutor_OutOfReplacementsFailsBundle(t *testing.T) {
	s := newExecutorSetup(t, WithMaxReplacements(0))
	hashes := s.addOps(t, newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0))

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))

	assert.Eventually(t, func() bool {
		return statusOf(s, hashes[0]) == StatusFailed && statusOf(s, hashes[1]) == StatusFailed
	}, eventuallyWait, eventuallyTick)
	assert.Len(t, s.writer.sent(), 1)
	assert.Empty(t, s.mempool.DumpSubmittedOps())
	assert.Eventually(t, func() bool { return s.store.len() == 0 }, eventuallyWait, eventuallyTick)
	assert.Eventually(t, func() bool { return s.wallets.Available() == 1 }, eventuallyWait, eventuallyTick)
}

func TestExecutor_PotentiallyIncludedFailsBundle(t *testing.T) {
	s := newExecutorSetup(t)
	var failSend atomic.Bool
	var rejected atomic.Int32
	s.writer.SendTransactionFn = func(context.Context, *types.Transaction) (common.Hash, error) {
		if failSend.Load() {
			rejected.Add(1)
			return common.Hash{}, errors.New("nonce too low")
		}
		return common.Hash{}, nil
	}
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)

	failSend.Store(true)
	s.gasPrice.setQuote(gweiInt(40), gweiInt(3))

	assert.Eventually(t, func() bool { return statusOf(s, hash) == StatusFailed }, eventuallyWait, eventuallyTick)
	assert.Equal(t, int32(MaxTimesPotentiallyIncluded), rejected.Load())
	assert.Empty(t, s.mempool.DumpSubmittedOps())
}

func TestExecutor_StopLeavesBundleInFlight(t *testing.T) {
	s := newExecutorSetup(t)
	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]

	_, err := s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.executor.Stop())

	assert.Equal(t, StatusSubmitted, statusOf(s, hash))
	assert.Len(t, s.mempool.DumpSubmittedOps(), 1)
	assert.Equal(t, 1, s.store.len(), "record is kept for recovery")
	assert.Equal(t, 1, s.wallets.Available())
}

// ============================================================
// Scheduling Tests
// ============================================================

func TestExecutor_StartRunsCycles(t *testing.T) {
	s := newExecutorSetupWithWallets(t, []common.Address{testWallet1, testWallet2}, WithBundleInterval(20*time.Millisecond))
	require.NoError(t, s.executor.Start(context.Background()))
	require.NoError(t, s.executor.Start(context.Background()), "Start is idempotent")

	hash := s.addOps(t, newTestUserOp(testSender1, 0))[0]
	assert.Eventually(t, func() bool { return statusOf(s, hash) == StatusSubmitted }, eventuallyWait, eventuallyTick)

	require.NoError(t, s.executor.Stop())
	sent := len(s.writer.sent())
	s.addOps(t, newTestUserOp(testSender2, 0))
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, s.writer.sent(), sent, "no cycles after Stop")
}

// ============================================================
// Recovery Tests
// ============================================================

func seedBundleRecord(t *testing.T, s *executorSetup, txNonce uint64, ops ...*UserOperation) *TransactionInfo {
	t.Helper()
	txInfo := &TransactionInfo{
		TransactionHash:           common.HexToHash("0xabc1"),
		PreviousTransactionHashes: []common.Hash{common.HexToHash("0xabc0")},
		Executor:                  testWallet1,
		ChainID:                   testChainID,
		Nonce:                     txNonce,
		GasLimit:                  250_000,
		MaxFeePerGas:              gweiInt(30),
		MaxPriorityFeePerGas:      gweiInt(2),
	}
	require.NoError(t, s.store.Save(context.Background(), &BundleRecord{Transaction: txInfo, UserOperations: ops}))
	return txInfo
}

func TestExecutor_RecoverIncludedBundle(t *testing.T) {
	s := newExecutorSetup(t)
	op := newTestUserOp(testSender1, 0)
	txInfo := seedBundleRecord(t, s, 3, op)
	mined := txInfo.PreviousTransactionHashes[0]
	s.reader.TransactionReceiptFn = func(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
		if txHash == mined {
			return newSuccessReceipt(mined), nil
		}
		return nil, ethereum.NotFound
	}

	result, err := s.executor.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.IncludedBundles)
	assert.Equal(t, 1, result.IncludedOps)
	assert.Empty(t, result.Errors)

	entry := s.monitor.GetStatus(s.mempool.HashOf(op))
	assert.Equal(t, StatusIncluded, entry.Status)
	require.NotNil(t, entry.TransactionHash)
	assert.Equal(t, mined, *entry.TransactionHash)
	assert.Empty(t, s.mempool.DumpOutstanding())
	assert.Zero(t, s.store.len())
}

func TestExecutor_RecoverReadmitsPendingBundle(t *testing.T) {
	s := newExecutorSetup(t)
	ops := []*UserOperation{newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0)}
	seedBundleRecord(t, s, 3, ops...)

	result, err := s.executor.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ReadmittedBundles)
	assert.Equal(t, 2, result.ReadmittedOps)
	assert.Zero(t, s.store.len())

	outstanding := s.mempool.DumpOutstanding()
	require.Len(t, outstanding, 2)
	for _, info := range outstanding {
		assert.Equal(t, StatusPending, statusOf(s, info.Hash))
	}

	// the next bundle does not reuse the recovered nonce
	_, err = s.executor.BundleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.writer.lastSent().Nonce())
}

func TestExecutor_RecoverKeepsSubmissionAttempts(t *testing.T) {
	s := newExecutorSetup(t)
	op := newTestUserOp(testSender1, 0)
	txInfo := seedBundleRecord(t, s, 3, op)
	require.NoError(t, s.store.Save(context.Background(), &BundleRecord{
		Transaction:        txInfo,
		UserOperations:     []*UserOperation{op},
		SubmissionAttempts: []int{2},
	}))

	_, err := s.executor.Recover(context.Background())
	require.NoError(t, err)

	outstanding := s.mempool.DumpOutstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, 2, outstanding[0].SubmissionAttempts)
}

func TestExecutor_RecoverRevertedBundle(t *testing.T) {
	s := newExecutorSetup(t)
	offender := newTestUserOp(testSender1, 0)
	innocent := newTestUserOp(testSender2, 0)
	txInfo := seedBundleRecord(t, s, 3, offender, innocent)
	require.NoError(t, s.store.Save(context.Background(), &BundleRecord{
		Transaction:        txInfo,
		UserOperations:     []*UserOperation{offender, innocent},
		SubmissionAttempts: []int{1, 1},
		Data:               []byte{0xde, 0xad},
	}))

	s.reader.TransactionReceiptFn = func(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
		if txHash == txInfo.TransactionHash {
			return newFailedReceipt(txHash), nil
		}
		return nil, ethereum.NotFound
	}
	var replayed *types.Transaction
	s.entryPoint.FailedOpFromReceiptFn = func(_ context.Context, tx *types.Transaction, _ *types.Receipt) (*FailedOpError, error) {
		replayed = tx
		return &FailedOpError{Index: 0, Reason: "AA23 reverted"}, nil
	}

	result, err := s.executor.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.RevertedBundles)
	assert.Equal(t, 1, result.FailedOps)
	assert.Equal(t, 1, result.ReadmittedOps)
	assert.Empty(t, result.Errors)
	assert.Zero(t, s.store.len())

	// the replayed transaction is the bundle as it was sent
	require.NotNil(t, replayed)
	assert.Equal(t, []byte{0xde, 0xad}, replayed.Data())
	assert.Equal(t, uint64(3), replayed.Nonce())
	assert.Equal(t, testEntryPoint, *replayed.To())
	from, err := types.Sender(types.LatestSignerForChainID(replayed.ChainId()), replayed)
	require.NoError(t, err)
	assert.Equal(t, testWallet1, from)

	entry := s.monitor.GetStatus(s.mempool.HashOf(offender))
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.TransactionHash)
	assert.Equal(t, txInfo.TransactionHash, *entry.TransactionHash)

	outstanding := s.mempool.DumpOutstanding()
	require.Len(t, outstanding, 1)
	assert.Equal(t, s.mempool.HashOf(innocent), outstanding[0].Hash)
	assert.Equal(t, 1, outstanding[0].SubmissionAttempts)
	assert.Equal(t, StatusPending, statusOf(s, outstanding[0].Hash))
}

func TestExecutor_RecoverRevertedBundleWithoutCalldata(t *testing.T) {
	s := newExecutorSetup(t)
	ops := []*UserOperation{newTestUserOp(testSender1, 0), newTestUserOp(testSender2, 0)}
	txInfo := seedBundleRecord(t, s, 3, ops...)
	s.reader.TransactionReceiptFn = func(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
		if txHash == txInfo.TransactionHash {
			return newFailedReceipt(txHash), nil
		}
		return nil, ethereum.NotFound
	}

	result, err := s.executor.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.RevertedBundles)
	assert.Zero(t, result.FailedOps)
	assert.Equal(t, 2, result.ReadmittedOps)
	assert.Zero(t, s.entryPoint.FailedOpCalls)
	assert.Len(t, s.mempool.DumpOutstanding(), 2)
}

func TestExecutor_RecoverWithoutStore(t *testing.T) {
	s := newExecutorSetup(t, WithBundleStore(nil))
	result, err := s.executor.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.IncludedBundles+result.ReadmittedBundles)
}

func TestExecutor_RecoverListError(t *testing.T) {
	s := newExecutorSetup(t)
	s.store.ListErr = errors.New("connection refused")

	_, err := s.executor.Recover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't list in-flight bundles")
}
