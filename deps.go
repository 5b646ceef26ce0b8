// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the bundler core from
// specific RPC, signing, and contract-binding implementations.
package bundlerarmy

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Validator performs semantic (simulation-backed) validation of a user operation.
type Validator interface {
	// Validate returns the code hashes the validation depended on, or an error
	// wrapping ErrPolicyViolation if the operation is invalid
	Validate(ctx context.Context, op *UserOperation) (*ReferencedCodeHashes, error)

	// CodeHashes fingerprints the current code of the given addresses
	CodeHashes(ctx context.Context, addresses []common.Address) (common.Hash, error)
}

// ChainReader defines the read-only chain queries used by the gas oracle,
// the wallet pool and the executor. *ethclient.Client satisfies it.
type ChainReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// TransactionReceipt returns ethereum.NotFound while the tx is pending
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainWriter submits transactions and waits for their receipts.
type ChainWriter interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)

	// WaitForReceipt blocks until the tx is mined, the timeout elapses
	// (ErrReceiptTimeout) or the context is done
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Signer holds the key material of executor wallets.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error)
}

// EntryPoint encodes bundles for, and interprets results from, the EntryPoint contract.
type EntryPoint interface {
	Address() common.Address

	EncodeHandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error)

	// EstimateHandleOpsGas returns a *FailedOpError when the simulation reverts
	// because of a specific operation
	EstimateHandleOpsGas(ctx context.Context, from common.Address, data []byte) (uint64, error)

	// FailedOpFromReceipt identifies the offending operation of a reverted
	// bundle. It returns nil, nil when the revert cannot be attributed.
	FailedOpFromReceipt(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (*FailedOpError, error)
}

// StatusStore persists operation statuses beyond the process lifetime.
type StatusStore interface {
	Set(ctx context.Context, hash common.Hash, entry StatusEntry, ttl time.Duration) error
	// Get returns nil, nil when the hash is unknown or expired
	Get(ctx context.Context, hash common.Hash) (*StatusEntry, error)
	Delete(ctx context.Context, hash common.Hash) error
}

// BundleRecord is the persisted form of an in-flight bundle, used to resume
// supervision after a restart.
type BundleRecord struct {
	Transaction    *TransactionInfo
	UserOperations []*UserOperation

	// SubmissionAttempts[i] is the attempt count of UserOperations[i]
	SubmissionAttempts []int

	// Data is the handleOps calldata the bundle was sent with
	Data []byte
}

// BundleStore persists in-flight bundles.
type BundleStore interface {
	Save(ctx context.Context, record *BundleRecord) error
	Delete(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error
	ListPending(ctx context.Context, chainID uint64) ([]*BundleRecord, error)
}
