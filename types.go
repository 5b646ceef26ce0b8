package bundlerarmy

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// Constants for bundle execution
const (
	DefaultBundleInterval        = time.Second
	DefaultMaxGasPerBundle       = uint64(5_000_000)
	DefaultMinOpsPerBundle       = 1
	DefaultMaxSubmissionAttempts = 5
	DefaultBundleGasOverhead     = uint64(50_000)

	DefaultTxCheckInterval     = 5 * time.Second
	DefaultStuckTimeout        = 5 * time.Minute
	DefaultMaxReplacements     = 10
	DefaultExternalCallTimeout = 10 * time.Second

	// Replace-by-fee requires at least a 10% bump on both fee fields
	DefaultReplacementMultiplier = 1.1
	MinReplacementMultiplier     = 1.1
	MaxCapMultiplier             = 5.0 // Multiplier over the first quote when no fee cap is configured

	// A tx whose replacement keeps failing with nonce-too-low/already-known is
	// treated as mined by an earlier hash after this many observations
	MaxTimesPotentiallyIncluded = 3

	DefaultStatusTTL           = time.Hour
	DefaultGasPriceTTL         = 5 * time.Second
	DefaultGasPriceWindow      = 10 * time.Second
	DefaultBalancePollInterval = 30 * time.Second
)

// DefaultMaxPriorityFeePerGas is the tip ceiling of the default pricing path (2 gwei)
var DefaultMaxPriorityFeePerGas = big.NewInt(2 * params.GWei)

// UserOperationStatus is the externally visible lifecycle state of a user operation.
type UserOperationStatus string

const (
	StatusNotFound  UserOperationStatus = "not_found"
	StatusPending   UserOperationStatus = "pending"
	StatusSubmitted UserOperationStatus = "submitted"
	StatusIncluded  UserOperationStatus = "included"
	StatusFailed    UserOperationStatus = "failed"
)

// IsTerminal reports whether no further transition is expected.
func (s UserOperationStatus) IsTerminal() bool {
	return s == StatusIncluded || s == StatusFailed
}

// StatusEntry is what the StatusMonitor stores per operation hash.
type StatusEntry struct {
	Status          UserOperationStatus `json:"status"`
	TransactionHash *common.Hash        `json:"transactionHash,omitempty"`
}

// ReferencedCodeHashes fingerprints the contract code an operation's validation touched.
type ReferencedCodeHashes struct {
	Addresses []common.Address `json:"addresses"`
	Hash      common.Hash      `json:"hash"`
}

// UserOperationInfo wraps a user operation while it lives in the mempool.
type UserOperationInfo struct {
	UserOperation        *UserOperation
	Hash                 common.Hash
	FirstSeen            time.Time
	SubmissionAttempts   int
	ReferencedCodeHashes *ReferencedCodeHashes
}

// TransactionInfo identifies one submitted bundle transaction. Replacements
// produce a new TransactionInfo carrying the earlier hashes.
type TransactionInfo struct {
	TransactionHash           common.Hash
	PreviousTransactionHashes []common.Hash
	Executor                  common.Address
	ChainID                   uint64
	Nonce                     uint64
	GasLimit                  uint64
	MaxFeePerGas              *big.Int
	MaxPriorityFeePerGas      *big.Int
	UserOperationHashes       []common.Hash
	FirstSubmitted            time.Time
	LastReplaced              time.Time
	TimesPotentiallyIncluded  int
}

// Copy returns a deep copy so holders never share mutable state.
func (t *TransactionInfo) Copy() *TransactionInfo {
	if t == nil {
		return nil
	}
	cp := *t
	cp.PreviousTransactionHashes = append([]common.Hash(nil), t.PreviousTransactionHashes...)
	cp.UserOperationHashes = append([]common.Hash(nil), t.UserOperationHashes...)
	if t.MaxFeePerGas != nil {
		cp.MaxFeePerGas = new(big.Int).Set(t.MaxFeePerGas)
	}
	if t.MaxPriorityFeePerGas != nil {
		cp.MaxPriorityFeePerGas = new(big.Int).Set(t.MaxPriorityFeePerGas)
	}
	return &cp
}

// AllTransactionHashes returns the current hash followed by every replaced one.
func (t *TransactionInfo) AllTransactionHashes() []common.Hash {
	return append([]common.Hash{t.TransactionHash}, t.PreviousTransactionHashes...)
}

// SubmittedUserOperation pairs a Submitted entry with the transaction carrying it.
type SubmittedUserOperation struct {
	UserOperationInfo
	Transaction *TransactionInfo
}

// GasPriceParameters is a fee quote for an EIP-1559 transaction.
type GasPriceParameters struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Copy returns a deep copy of the quote.
func (g *GasPriceParameters) Copy() *GasPriceParameters {
	if g == nil {
		return nil
	}
	return &GasPriceParameters{
		MaxFeePerGas:         new(big.Int).Set(g.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(g.MaxPriorityFeePerGas),
	}
}

// BundleResult summarizes one executor cycle, mainly for tests and BundleNow callers.
type BundleResult struct {
	Transaction *TransactionInfo
	Submitted   []common.Hash
	Dropped     []common.Hash
	Resubmitted []common.Hash
}
