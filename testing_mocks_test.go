package bundlerarmy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockChainReader implements ChainReader for testing
type mockChainReader struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	HeaderByNumberFn     func(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPriceFn    func(ctx context.Context) (*big.Int, error)
	FeeHistoryFn         func(ctx context.Context, blockCount uint64, lastBlock *big.Int, percentiles []float64) (*ethereum.FeeHistory, error)
	BalanceAtFn          func(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAtFn     func(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceiptFn func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// Call tracking for assertions
	HeaderByNumberCalls     int
	SuggestGasPriceCalls    int
	FeeHistoryCalls         int
	BalanceAtCalls          []common.Address
	PendingNonceAtCalls     []common.Address
	TransactionReceiptCalls []common.Hash
}

func (m *mockChainReader) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.mu.Lock()
	m.HeaderByNumberCalls++
	m.mu.Unlock()
	if m.HeaderByNumberFn != nil {
		return m.HeaderByNumberFn(ctx, number)
	}
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (m *mockChainReader) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	m.SuggestGasPriceCalls++
	m.mu.Unlock()
	if m.SuggestGasPriceFn != nil {
		return m.SuggestGasPriceFn(ctx)
	}
	return new(big.Int).Set(twentyGwei), nil
}

func (m *mockChainReader) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, percentiles []float64) (*ethereum.FeeHistory, error) {
	m.mu.Lock()
	m.FeeHistoryCalls++
	m.mu.Unlock()
	if m.FeeHistoryFn != nil {
		return m.FeeHistoryFn(ctx, blockCount, lastBlock, percentiles)
	}
	return nil, fmt.Errorf("fee history not available")
}

func (m *mockChainReader) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	m.mu.Lock()
	m.BalanceAtCalls = append(m.BalanceAtCalls, account)
	m.mu.Unlock()
	if m.BalanceAtFn != nil {
		return m.BalanceAtFn(ctx, account)
	}
	return new(big.Int).Set(oneEth), nil
}

func (m *mockChainReader) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	m.PendingNonceAtCalls = append(m.PendingNonceAtCalls, account)
	m.mu.Unlock()
	if m.PendingNonceAtFn != nil {
		return m.PendingNonceAtFn(ctx, account)
	}
	return 0, nil
}

func (m *mockChainReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	m.TransactionReceiptCalls = append(m.TransactionReceiptCalls, txHash)
	m.mu.Unlock()
	if m.TransactionReceiptFn != nil {
		return m.TransactionReceiptFn(ctx, txHash)
	}
	return nil, ethereum.NotFound
}

func (m *mockChainReader) balanceReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.BalanceAtCalls)
}

// mockChainWriter implements ChainWriter for testing. Unless WaitForReceiptFn
// is set, WaitForReceipt returns the receipt registered with mine, or
// ErrReceiptTimeout once the timeout elapses.
type mockChainWriter struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	SendTransactionFn func(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitForReceiptFn  func(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)

	// Call tracking for assertions
	SentTxs             []*types.Transaction
	WaitForReceiptCalls []common.Hash

	receipts map[common.Hash]*types.Receipt
}

func (m *mockChainWriter) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if m.SendTransactionFn != nil {
		hash, err := m.SendTransactionFn(ctx, tx)
		if err != nil {
			return hash, err
		}
	}
	m.mu.Lock()
	m.SentTxs = append(m.SentTxs, tx)
	m.mu.Unlock()
	return tx.Hash(), nil
}

func (m *mockChainWriter) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	m.mu.Lock()
	m.WaitForReceiptCalls = append(m.WaitForReceiptCalls, txHash)
	m.mu.Unlock()
	if m.WaitForReceiptFn != nil {
		return m.WaitForReceiptFn(ctx, txHash, timeout)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if receipt := m.receipt(txHash); receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

// mine makes WaitForReceipt return receipt for its TxHash.
func (m *mockChainWriter) mine(receipt *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receipts == nil {
		m.receipts = make(map[common.Hash]*types.Receipt)
	}
	m.receipts[receipt.TxHash] = receipt
}

func (m *mockChainWriter) receipt(hash common.Hash) *types.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receipts[hash]
}

func (m *mockChainWriter) sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.SentTxs...)
}

func (m *mockChainWriter) lastSent() *types.Transaction {
	sent := m.sent()
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

// mockEntryPoint implements EntryPoint for testing
type mockEntryPoint struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	EncodeHandleOpsFn      func(ops []*UserOperation, beneficiary common.Address) ([]byte, error)
	EstimateHandleOpsGasFn func(ctx context.Context, from common.Address, data []byte) (uint64, error)
	FailedOpFromReceiptFn  func(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (*FailedOpError, error)

	// Call tracking for assertions
	EncodeHandleOpsCalls [][]*UserOperation
	Beneficiaries        []common.Address
	EstimateCalls        int
	FailedOpCalls        int
}

func (m *mockEntryPoint) Address() common.Address {
	return testEntryPoint
}

func (m *mockEntryPoint) EncodeHandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	m.mu.Lock()
	m.EncodeHandleOpsCalls = append(m.EncodeHandleOpsCalls, append([]*UserOperation(nil), ops...))
	m.Beneficiaries = append(m.Beneficiaries, beneficiary)
	m.mu.Unlock()
	if m.EncodeHandleOpsFn != nil {
		return m.EncodeHandleOpsFn(ops, beneficiary)
	}
	return NewEntryPointV06(testEntryPoint, nil).EncodeHandleOps(ops, beneficiary)
}

func (m *mockEntryPoint) EstimateHandleOpsGas(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	m.mu.Lock()
	m.EstimateCalls++
	m.mu.Unlock()
	if m.EstimateHandleOpsGasFn != nil {
		return m.EstimateHandleOpsGasFn(ctx, from, data)
	}
	return 200_000, nil
}

func (m *mockEntryPoint) FailedOpFromReceipt(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (*FailedOpError, error) {
	m.mu.Lock()
	m.FailedOpCalls++
	m.mu.Unlock()
	if m.FailedOpFromReceiptFn != nil {
		return m.FailedOpFromReceiptFn(ctx, tx, receipt)
	}
	return nil, nil
}

func (m *mockEntryPoint) encodeCalls() [][]*UserOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*UserOperation(nil), m.EncodeHandleOpsCalls...)
}

// mockGasPriceSource implements GasPriceSource for testing
type mockGasPriceSource struct {
	mu sync.Mutex

	GetGasPriceFn func(ctx context.Context, chainID uint64) (*GasPriceParameters, error)

	Calls int
}

func (m *mockGasPriceSource) GetGasPrice(ctx context.Context, chainID uint64) (*GasPriceParameters, error) {
	m.mu.Lock()
	m.Calls++
	fn := m.GetGasPriceFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, chainID)
	}
	return &GasPriceParameters{
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: new(big.Int).Set(twoGwei),
	}, nil
}

// setQuote makes every later call return maxFee and tip.
func (m *mockGasPriceSource) setQuote(maxFee, tip *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetGasPriceFn = func(context.Context, uint64) (*GasPriceParameters, error) {
		return &GasPriceParameters{MaxFeePerGas: new(big.Int).Set(maxFee), MaxPriorityFeePerGas: new(big.Int).Set(tip)}, nil
	}
}

func (m *mockGasPriceSource) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// mockValidator implements Validator for testing
type mockValidator struct {
	mu sync.Mutex

	ValidateFn   func(ctx context.Context, op *UserOperation) (*ReferencedCodeHashes, error)
	CodeHashesFn func(ctx context.Context, addresses []common.Address) (common.Hash, error)

	ValidateCalls   []*UserOperation
	CodeHashesCalls int
}

func (m *mockValidator) Validate(ctx context.Context, op *UserOperation) (*ReferencedCodeHashes, error) {
	m.mu.Lock()
	m.ValidateCalls = append(m.ValidateCalls, op)
	m.mu.Unlock()
	if m.ValidateFn != nil {
		return m.ValidateFn(ctx, op)
	}
	return nil, nil
}

func (m *mockValidator) CodeHashes(ctx context.Context, addresses []common.Address) (common.Hash, error) {
	m.mu.Lock()
	m.CodeHashesCalls++
	m.mu.Unlock()
	if m.CodeHashesFn != nil {
		return m.CodeHashesFn(ctx, addresses)
	}
	return common.Hash{}, nil
}

// mockStatusStore implements StatusStore in memory, ignoring TTLs
type mockStatusStore struct {
	mu sync.Mutex

	SetErr error
	GetErr error

	entries  map[common.Hash]StatusEntry
	SetCalls int
	GetCalls int
}

func newMockStatusStore() *mockStatusStore {
	return &mockStatusStore{entries: make(map[common.Hash]StatusEntry)}
}

func (m *mockStatusStore) Set(_ context.Context, hash common.Hash, entry StatusEntry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls++
	if m.SetErr != nil {
		return m.SetErr
	}
	m.entries[hash] = entry
	return nil
}

func (m *mockStatusStore) Get(_ context.Context, hash common.Hash) (*StatusEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	entry, ok := m.entries[hash]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *mockStatusStore) Delete(_ context.Context, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
	return nil
}

// mockBundleStore implements BundleStore in memory
type mockBundleStore struct {
	mu sync.Mutex

	ListErr error

	records     map[string]*BundleRecord
	SaveCalls   int
	DeleteCalls int
}

func newMockBundleStore() *mockBundleStore {
	return &mockBundleStore{records: make(map[string]*BundleRecord)}
}

func bundleRecordKey(wallet common.Address, chainID, nonce uint64) string {
	return fmt.Sprintf("%d:%s:%d", chainID, wallet.Hex(), nonce)
}

func (m *mockBundleStore) Save(_ context.Context, record *BundleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls++
	tx := record.Transaction
	m.records[bundleRecordKey(tx.Executor, tx.ChainID, tx.Nonce)] = &BundleRecord{
		Transaction:        tx.Copy(),
		UserOperations:     append([]*UserOperation(nil), record.UserOperations...),
		SubmissionAttempts: append([]int(nil), record.SubmissionAttempts...),
		Data:               append([]byte(nil), record.Data...),
	}
	return nil
}

func (m *mockBundleStore) Delete(_ context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	delete(m.records, bundleRecordKey(wallet, chainID, nonce))
	return nil
}

func (m *mockBundleStore) ListPending(_ context.Context, chainID uint64) ([]*BundleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*BundleRecord
	for _, record := range m.records {
		if record.Transaction.ChainID == chainID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *mockBundleStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockBundleStore) get(wallet common.Address, chainID, nonce uint64) *BundleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[bundleRecordKey(wallet, chainID, nonce)]
}

// ============================================================
// Test Fixtures
// ============================================================

const testChainID uint64 = 1337

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testSender1    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSender2    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPaymaster  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testFactory    = common.HexToAddress("0x4444444444444444444444444444444444444444")

	testPrivateKey1, _ = crypto.HexToECDSA("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	testPrivateKey2, _ = crypto.HexToECDSA("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	testWallet1        = crypto.PubkeyToAddress(testPrivateKey1.PublicKey)
	testWallet2        = crypto.PubkeyToAddress(testPrivateKey2.PublicKey)

	oneEth     = big.NewInt(1_000_000_000_000_000_000)
	twentyGwei = big.NewInt(20_000_000_000)
	twoGwei    = big.NewInt(2_000_000_000)
)

// metricValue reads the current value of a gauge or counter.
func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	switch {
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	}
	return 0
}

// newTestUserOp creates an operation of sender with nonce consuming 100k gas.
func newTestUserOp(sender common.Address, nonce int64) *UserOperation {
	return &UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		CallData:             []byte{0xca, 0x11},
		CallGasLimit:         big.NewInt(50_000),
		VerificationGasLimit: big.NewInt(30_000),
		PreVerificationGas:   big.NewInt(20_000),
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Signature:            []byte{0x5e, 0x19},
	}
}

// newTestUserOpWithGas creates an operation whose TotalGas is gas.
func newTestUserOpWithGas(sender common.Address, nonce int64, gas int64) *UserOperation {
	op := newTestUserOp(sender, nonce)
	op.CallGasLimit = big.NewInt(gas)
	op.VerificationGasLimit = big.NewInt(0)
	op.PreVerificationGas = big.NewInt(0)
	return op
}

func newSuccessReceipt(txHash common.Hash) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(101),
		GasUsed:     150_000,
	}
}

func newFailedReceipt(txHash common.Hash) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		TxHash:      txHash,
		BlockNumber: big.NewInt(101),
		GasUsed:     150_000,
	}
}

// newTestDynamicTx creates an unsigned bundle transaction.
func newTestDynamicTx(nonce uint64, maxFee, tip *big.Int) *types.Transaction {
	to := testEntryPoint
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(testChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       300_000,
		To:        &to,
		Value:     new(big.Int),
		Data:      []byte{0x01},
	})
}

// executorSetup bundles an executor with mocks for every collaborator.
type executorSetup struct {
	mempool    *Mempool
	wallets    *WalletPool
	monitor    *StatusMonitor
	reader     *mockChainReader
	writer     *mockChainWriter
	entryPoint *mockEntryPoint
	gasPrice   *mockGasPriceSource
	store      *mockBundleStore
	executor   *Executor
}

// newExecutorSetup creates an executor with a single wallet, a 20ms receipt
// check interval and no stuck timeout in practice. opts are applied last.
func newExecutorSetup(t *testing.T, opts ...ExecutorOption) *executorSetup {
	t.Helper()
	return newExecutorSetupWithWallets(t, []common.Address{testWallet1}, opts...)
}

func newExecutorSetupWithWallets(t *testing.T, wallets []common.Address, opts ...ExecutorOption) *executorSetup {
	t.Helper()

	s := &executorSetup{
		mempool:    NewMempool(testChainID, testEntryPoint),
		monitor:    NewStatusMonitor(),
		reader:     &mockChainReader{},
		writer:     &mockChainWriter{},
		entryPoint: &mockEntryPoint{},
		gasPrice:   &mockGasPriceSource{},
		store:      newMockBundleStore(),
	}
	s.wallets = NewWalletPool(testChainID, s.reader, wallets)

	baseOpts := []ExecutorOption{
		WithTxCheckInterval(20 * time.Millisecond),
		WithStuckTimeout(time.Hour),
		WithExternalCallTimeout(time.Second),
		WithBundleStore(s.store),
	}
	executor, err := NewExecutor(ExecutorDeps{
		ChainID:    testChainID,
		Mempool:    s.mempool,
		Wallets:    s.wallets,
		GasPrice:   s.gasPrice,
		Monitor:    s.monitor,
		Reader:     s.reader,
		Writer:     s.writer,
		Signer:     NewKeySigner(testChainID, testPrivateKey1, testPrivateKey2),
		EntryPoint: s.entryPoint,
	}, append(baseOpts, opts...)...)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	s.executor = executor

	t.Cleanup(func() {
		_ = s.executor.Stop()
		s.monitor.Stop()
	})
	return s
}

// addOps admits ops and returns their hashes in order.
func (s *executorSetup) addOps(t *testing.T, ops ...*UserOperation) []common.Hash {
	t.Helper()
	hashes := make([]common.Hash, len(ops))
	for i, op := range ops {
		hash, err := s.mempool.Admit(context.Background(), op)
		if err != nil {
			t.Fatalf("failed to admit op %d: %v", i, err)
		}
		hashes[i] = hash
	}
	return hashes
}
