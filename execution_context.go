package bundlerarmy

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// BundleExecutionContext holds the state of one bundle from its first send
// until supervision ends. All fields are public to allow for testing.
type BundleExecutionContext struct {
	Wallet   common.Address
	ChainID  uint64
	Nonce    uint64
	GasLimit uint64
	Data     []byte

	// Operations in bundle order, matching the handleOps encoding
	Ops []UserOperationInfo

	// Tx is the current transaction. Replacements swap it for a copy.
	Tx *TransactionInfo

	// SentTxs holds every signed transaction of the bundle by hash
	SentTxs map[common.Hash]*types.Transaction

	// Replacement tracking
	Replacements          int
	MaxReplacements       int
	ReplacementMultiplier float64

	// LastCappedAttempt is when a replacement blocked by the fee caps was
	// last counted against MaxReplacements
	LastCappedAttempt time.Time

	// Fee protection limits
	MaxFeePerGasCap         *big.Int
	MaxPriorityFeePerGasCap *big.Int
}

// NewBundleExecutionContext creates the context of a bundle that was just
// sent as tx. A nil maxFeeCap defaults to MaxCapMultiplier times the first fee.
func NewBundleExecutionContext(
	tx *TransactionInfo,
	signed *types.Transaction,
	data []byte,
	ops []UserOperationInfo,
	maxReplacements int,
	replacementMultiplier float64,
	maxFeeCap *big.Int,
) (*BundleExecutionContext, error) {
	if tx == nil || signed == nil {
		return nil, fmt.Errorf("bundle transaction cannot be nil")
	}
	if tx.Executor == (common.Address{}) {
		return nil, fmt.Errorf("bundle executor wallet cannot be zero")
	}
	if maxReplacements < 0 {
		maxReplacements = 0
	}
	if replacementMultiplier < MinReplacementMultiplier {
		replacementMultiplier = MinReplacementMultiplier
	}

	var maxTipCap *big.Int
	if maxFeeCap == nil {
		maxFeeCap = mulFloat(tx.MaxFeePerGas, MaxCapMultiplier)
		maxTipCap = mulFloat(tx.MaxPriorityFeePerGas, MaxCapMultiplier)
	} else {
		maxFeeCap = new(big.Int).Set(maxFeeCap)
		maxTipCap = new(big.Int).Set(maxFeeCap)
	}

	return &BundleExecutionContext{
		Wallet:                  tx.Executor,
		ChainID:                 tx.ChainID,
		Nonce:                   tx.Nonce,
		GasLimit:                tx.GasLimit,
		Data:                    data,
		Ops:                     ops,
		Tx:                      tx.Copy(),
		SentTxs:                 map[common.Hash]*types.Transaction{signed.Hash(): signed},
		MaxReplacements:         maxReplacements,
		ReplacementMultiplier:   replacementMultiplier,
		MaxFeePerGasCap:         maxFeeCap,
		MaxPriorityFeePerGasCap: maxTipCap,
	}, nil
}

// mulFloat returns ceil(v * f).
func mulFloat(v *big.Int, f float64) *big.Int {
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(f)).Ceil().BigInt()
}

// BumpFees returns the fees of the next replacement: for each field the
// larger of the current quote and the previous fee times the multiplier.
// It fails with ErrGasPriceLimitReached when the result is above the caps.
func (bc *BundleExecutionContext) BumpFees(quote *GasPriceParameters) (*GasPriceParameters, error) {
	maxFee := mulFloat(bc.Tx.MaxFeePerGas, bc.ReplacementMultiplier)
	tip := mulFloat(bc.Tx.MaxPriorityFeePerGas, bc.ReplacementMultiplier)
	if quote != nil {
		maxFee = maxBig(maxFee, quote.MaxFeePerGas)
		tip = maxBig(tip, quote.MaxPriorityFeePerGas)
	}
	if tip.Cmp(maxFee) > 0 {
		maxFee = new(big.Int).Set(tip)
	}

	if bc.MaxFeePerGasCap != nil && maxFee.Cmp(bc.MaxFeePerGasCap) > 0 {
		return nil, fmt.Errorf("%w: maxFeePerGas %s gwei above cap %s gwei",
			ErrGasPriceLimitReached, weiToGwei(maxFee), weiToGwei(bc.MaxFeePerGasCap))
	}
	if bc.MaxPriorityFeePerGasCap != nil && tip.Cmp(bc.MaxPriorityFeePerGasCap) > 0 {
		return nil, fmt.Errorf("%w: maxPriorityFeePerGas %s gwei above cap %s gwei",
			ErrGasPriceLimitReached, weiToGwei(tip), weiToGwei(bc.MaxPriorityFeePerGasCap))
	}
	return &GasPriceParameters{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// IncrementReplacementAndCheck counts a replacement attempt and returns an
// error once the replacement budget is exhausted.
func (bc *BundleExecutionContext) IncrementReplacementAndCheck(reason string) error {
	bc.Replacements++
	if bc.Replacements > bc.MaxReplacements {
		return errors.Join(ErrOutOfReplacements, fmt.Errorf("%s after %d replacements", reason, bc.MaxReplacements))
	}
	return nil
}

// ChargeCappedAttempt counts a replacement that the fee caps blocked against
// the replacement budget, at most once per interval since the last
// replacement or counted attempt. It returns the budget error once exhausted.
func (bc *BundleExecutionContext) ChargeCappedAttempt(reason string, now time.Time, interval time.Duration) error {
	since := bc.Tx.LastReplaced
	if bc.LastCappedAttempt.After(since) {
		since = bc.LastCappedAttempt
	}
	if now.Sub(since) < interval {
		return nil
	}
	bc.LastCappedAttempt = now
	return bc.IncrementReplacementAndCheck(reason)
}

// RecordPotentiallyIncluded counts a replacement rejected because the nonce
// was already used, and reports whether the bundle should be treated as
// included by an earlier transaction.
func (bc *BundleExecutionContext) RecordPotentiallyIncluded() bool {
	bc.Tx.TimesPotentiallyIncluded++
	return bc.Tx.TimesPotentiallyIncluded >= MaxTimesPotentiallyIncluded
}

// ApplyReplacement records signed as the bundle's new transaction.
func (bc *BundleExecutionContext) ApplyReplacement(signed *types.Transaction, now time.Time) *TransactionInfo {
	next := bc.Tx.Copy()
	next.PreviousTransactionHashes = append(next.PreviousTransactionHashes, bc.Tx.TransactionHash)
	next.TransactionHash = signed.Hash()
	next.MaxFeePerGas = new(big.Int).Set(signed.GasFeeCap())
	next.MaxPriorityFeePerGas = new(big.Int).Set(signed.GasTipCap())
	next.LastReplaced = now

	bc.Tx = next
	bc.SentTxs[signed.Hash()] = signed
	return next.Copy()
}

// OpHashes returns the hashes of the bundle's operations in bundle order.
func (bc *BundleExecutionContext) OpHashes() []common.Hash {
	hashes := make([]common.Hash, len(bc.Ops))
	for i, op := range bc.Ops {
		hashes[i] = op.Hash
	}
	return hashes
}

// SupervisionResult tells the supervision loop what to do after a step.
type SupervisionResult struct {
	ShouldRetry  bool
	ShouldReturn bool
	Error        error
}
