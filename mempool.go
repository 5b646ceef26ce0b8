package bundlerarmy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
	"github.com/samber/lo"
)

type opState int

const (
	stateOutstanding opState = iota
	stateProcessing
	stateSubmitted
)

func (s opState) String() string {
	switch s {
	case stateOutstanding:
		return "outstanding"
	case stateProcessing:
		return "processing"
	case stateSubmitted:
		return "submitted"
	}
	return "unknown"
}

// mempoolEntry is the single record of an operation in the mempool. Its state
// field decides which collection it belongs to, so a hash can never be in two
// collections at once.
type mempoolEntry struct {
	seq   uint64
	state opState
	info  UserOperationInfo
	tx    *TransactionInfo
}

func entryLess(a, b *mempoolEntry) bool {
	return a.seq < b.seq
}

// Mempool stages user operations through Outstanding, Processing and Submitted.
//
// All methods are safe for concurrent use. Process is atomic: two callers
// never receive the same operation.
type Mempool struct {
	mu sync.Mutex

	chainID    uint64
	entryPoint common.Address

	entries      map[common.Hash]*mempoolEntry
	outstanding  *btree.BTreeG[*mempoolEntry] // ordered by insertion
	senderNonces *ConflictIndex[senderNonceKey, common.Hash]
	seq          uint64

	safeMode              bool
	maxQueuedOpsPerSender int
	validator             Validator
	metrics               *Metrics
	now                   func() time.Time
}

// NewMempool creates a mempool for operations targeting entryPoint on chainID.
func NewMempool(chainID uint64, entryPoint common.Address, opts ...MempoolOption) *Mempool {
	m := &Mempool{
		chainID:      chainID,
		entryPoint:   entryPoint,
		entries:      make(map[common.Hash]*mempoolEntry),
		outstanding:  btree.NewG[*mempoolEntry](16, entryLess),
		senderNonces: NewConflictIndex[senderNonceKey, common.Hash](),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// HashOf returns the hash the mempool keys op by.
func (m *Mempool) HashOf(op *UserOperation) common.Hash {
	return op.Hash(m.entryPoint, m.chainID)
}

// Add inserts op into Outstanding and reports whether it was admitted.
//
// It returns false when the hash is already known in any state, or when an
// operation with the same (sender, nonce) is already being processed or is
// submitted. An Outstanding operation with the same (sender, nonce) is evicted
// and replaced.
func (m *Mempool) Add(op *UserOperation, refs *ReferencedCodeHashes) bool {
	_, err := m.add(op, refs, nil)
	return err == nil
}

func (m *Mempool) add(op *UserOperation, refs *ReferencedCodeHashes, carried *UserOperationInfo) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, fmt.Errorf("user operation cannot be nil")
	}
	hash := m.HashOf(op)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[hash]; exists {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
		}).Debug("user operation already known, ignoring")
		return hash, ErrAlreadyKnown
	}

	key := op.conflictKey()
	if holder, ok := m.senderNonces.Get(key); ok {
		if e := m.entries[holder]; e != nil && e.state != stateOutstanding {
			logger.WithFields(logger.Fields{
				"user_op_hash":     hash.Hex(),
				"conflicting_hash": holder.Hex(),
				"state":            e.state.String(),
			}).Warn("user operation with same sender and nonce already in flight, rejecting")
			return hash, fmt.Errorf("%w: sender %s nonce %s is %s", ErrAlreadyKnown, op.Sender.Hex(), key.nonce, e.state)
		}
	}

	if m.maxQueuedOpsPerSender > 0 {
		queued := lo.CountBy(lo.Values(m.entries), func(e *mempoolEntry) bool {
			return e.state == stateOutstanding &&
				e.info.UserOperation.Sender == op.Sender &&
				e.info.UserOperation.conflictKey() != key
		})
		if queued >= m.maxQueuedOpsPerSender {
			return hash, fmt.Errorf("%w: %s has %d", ErrSenderQueueFull, op.Sender.Hex(), queued)
		}
	}

	info := UserOperationInfo{
		UserOperation:        op,
		Hash:                 hash,
		FirstSeen:            m.now(),
		ReferencedCodeHashes: refs,
	}
	if carried != nil {
		info.FirstSeen = carried.FirstSeen
		info.SubmissionAttempts = carried.SubmissionAttempts
	}

	m.seq++
	entry := &mempoolEntry{seq: m.seq, state: stateOutstanding, info: info}
	m.entries[hash] = entry
	m.outstanding.ReplaceOrInsert(entry)

	if evicted, replaced := m.senderNonces.Put(key, hash); replaced {
		if old := m.entries[evicted]; old != nil {
			m.outstanding.Delete(old)
			delete(m.entries, evicted)
		}
		logger.WithFields(logger.Fields{
			"user_op_hash":  hash.Hex(),
			"replaced_hash": evicted.Hex(),
			"sender":        op.Sender.Hex(),
		}).Info("user operation replaced outstanding operation with same sender and nonce")
	}

	m.updateGaugesLocked()
	return hash, nil
}

// Admit runs the admission policy (entity roles, then the validator if one is
// configured) and adds op to Outstanding. Unlike Add it reports why an
// operation was not admitted.
func (m *Mempool) Admit(ctx context.Context, op *UserOperation) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, fmt.Errorf("user operation cannot be nil")
	}
	if err := m.CheckEntityMultipleRoleViolation(ctx, op); err != nil {
		return m.HashOf(op), err
	}

	var refs *ReferencedCodeHashes
	if m.validator != nil {
		var err error
		refs, err = m.validator.Validate(ctx, op)
		if err != nil {
			if !errors.Is(err, ErrPolicyViolation) {
				err = fmt.Errorf("%w: %w", ErrPolicyViolation, err)
			}
			return m.HashOf(op), err
		}
	}
	return m.add(op, refs, nil)
}

// Process claims Outstanding operations, oldest first, whose summed gas
// (call + verification + pre-verification) stays within gasLimit, and moves
// them to Processing.
//
// Senders are served in arrival order, but each sender's operations are taken
// lowest nonce first whatever order they arrived in. An operation that does
// not fit is skipped and the scan continues, but no later operation of the
// same sender is taken in that pass. Process never blocks: when fewer than
// minOps fit it returns what fits.
func (m *Mempool) Process(gasLimit uint64, minOps int) []UserOperationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		selected []*mempoolEntry
		used     uint64
		skipped  = make(map[common.Address]struct{})
	)
	for _, e := range m.nonceOrderedLocked() {
		sender := e.info.UserOperation.Sender
		if _, ok := skipped[sender]; ok {
			continue
		}
		gas := e.info.UserOperation.TotalGas()
		if gas > gasLimit-used {
			skipped[sender] = struct{}{}
			continue
		}
		used += gas
		selected = append(selected, e)
		if used >= gasLimit {
			break
		}
	}

	result := make([]UserOperationInfo, 0, len(selected))
	for _, e := range selected {
		m.outstanding.Delete(e)
		e.state = stateProcessing
		e.info.SubmissionAttempts++
		result = append(result, e.info)
	}

	if len(result) > 0 && len(result) < minOps {
		logger.WithFields(logger.Fields{
			"selected":  len(result),
			"min_ops":   minOps,
			"gas_used":  used,
			"gas_limit": gasLimit,
		}).Debug("fewer user operations than requested fit in the gas limit")
	}

	m.updateGaugesLocked()
	return result
}

// nonceOrderedLocked returns the Outstanding entries in insertion order, with
// the entries of each sender reordered by nonce among the slots that sender
// occupies.
func (m *Mempool) nonceOrderedLocked() []*mempoolEntry {
	entries := make([]*mempoolEntry, 0, m.outstanding.Len())
	m.outstanding.Ascend(func(e *mempoolEntry) bool {
		entries = append(entries, e)
		return true
	})

	bySender := lo.GroupBy(entries, func(e *mempoolEntry) common.Address {
		return e.info.UserOperation.Sender
	})
	for _, group := range bySender {
		sort.SliceStable(group, func(i, j int) bool {
			return bigOrZero(group[i].info.UserOperation.Nonce).Cmp(bigOrZero(group[j].info.UserOperation.Nonce)) < 0
		})
	}

	next := make(map[common.Address]int, len(bySender))
	for i, e := range entries {
		sender := e.info.UserOperation.Sender
		entries[i] = bySender[sender][next[sender]]
		next[sender]++
	}
	return entries
}

// MarkSubmitted moves hash from Processing to Submitted under txInfo. It
// reports false, without failing, when hash is not in Processing.
func (m *Mempool) MarkSubmitted(hash common.Hash, txInfo *TransactionInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[hash]
	if e == nil || e.state != stateProcessing {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
		}).Warn("tried to mark a user operation that is not processing as submitted")
		return false
	}
	e.state = stateSubmitted
	e.tx = txInfo.Copy()
	m.updateGaugesLocked()
	return true
}

// ReplaceSubmitted swaps the transaction of a Submitted entry, as happens when
// a bundle is replaced by fee.
func (m *Mempool) ReplaceSubmitted(hash common.Hash, txInfo *TransactionInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[hash]
	if e == nil || e.state != stateSubmitted {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
		}).Warn("tried to replace the transaction of a user operation that is not submitted")
		return false
	}
	e.tx = txInfo.Copy()
	return true
}

// RemoveSubmitted removes hash from Submitted. Used on inclusion and drops.
func (m *Mempool) RemoveSubmitted(hash common.Hash) bool {
	return m.remove(hash, stateSubmitted)
}

// RemoveProcessing removes hash from Processing. Used on drops.
func (m *Mempool) RemoveProcessing(hash common.Hash) bool {
	return m.remove(hash, stateProcessing)
}

func (m *Mempool) remove(hash common.Hash, state opState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[hash]
	if e == nil || e.state != state {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
			"state":        state.String(),
		}).Warn("tried to remove a user operation that is not in the expected state")
		return false
	}
	delete(m.entries, hash)
	m.senderNonces.DeleteIf(e.info.UserOperation.conflictKey(), func(h common.Hash) bool { return h == hash })
	m.updateGaugesLocked()
	return true
}

// Resubmit moves hash from Processing or Submitted back to Outstanding, at its
// original queue position, keeping its submission attempt count.
func (m *Mempool) Resubmit(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[hash]
	if e == nil || e.state == stateOutstanding {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
		}).Warn("tried to resubmit a user operation that is not in flight")
		return false
	}
	e.state = stateOutstanding
	e.tx = nil
	m.outstanding.ReplaceOrInsert(e)
	m.metrics.userOperationsResubmitted.Inc()
	m.updateGaugesLocked()
	return true
}

// CheckEntityMultipleRoleViolation rejects op when one of its addresses plays
// a conflicting role among Outstanding operations: its sender is a known
// paymaster or factory, or its paymaster or factory is a known sender.
// It is a no-op unless the mempool runs in safe mode.
func (m *Mempool) CheckEntityMultipleRoleViolation(ctx context.Context, op *UserOperation) error {
	if !m.safeMode {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	knownSenders := make(map[common.Address]struct{})
	knownEntities := make(map[common.Address]struct{})

	m.mu.Lock()
	m.outstanding.Ascend(func(e *mempoolEntry) bool {
		uo := e.info.UserOperation
		knownSenders[uo.Sender] = struct{}{}
		if uo.Paymaster != nil {
			knownEntities[*uo.Paymaster] = struct{}{}
		}
		if uo.Factory != nil {
			knownEntities[*uo.Factory] = struct{}{}
		}
		return true
	})
	m.mu.Unlock()

	if op.Paymaster != nil {
		if _, ok := knownSenders[*op.Paymaster]; ok {
			return fmt.Errorf("%w: paymaster %s is a sender of another pending user operation", ErrPolicyViolation, op.Paymaster.Hex())
		}
	}
	if op.Factory != nil {
		if _, ok := knownSenders[*op.Factory]; ok {
			return fmt.Errorf("%w: factory %s is a sender of another pending user operation", ErrPolicyViolation, op.Factory.Hex())
		}
	}
	if _, ok := knownEntities[op.Sender]; ok {
		return fmt.Errorf("%w: sender %s is a paymaster or factory of another pending user operation", ErrPolicyViolation, op.Sender.Hex())
	}
	return nil
}

// DumpOutstanding returns a snapshot of Outstanding in queue order.
func (m *Mempool) DumpOutstanding() []UserOperationInfo {
	return lo.Map(m.dump(stateOutstanding), func(e mempoolEntry, _ int) UserOperationInfo { return e.info })
}

// DumpProcessing returns a snapshot of Processing in queue order.
func (m *Mempool) DumpProcessing() []UserOperationInfo {
	return lo.Map(m.dump(stateProcessing), func(e mempoolEntry, _ int) UserOperationInfo { return e.info })
}

// DumpSubmittedOps returns a snapshot of Submitted with each entry's transaction.
func (m *Mempool) DumpSubmittedOps() []SubmittedUserOperation {
	return lo.Map(m.dump(stateSubmitted), func(e mempoolEntry, _ int) SubmittedUserOperation {
		return SubmittedUserOperation{UserOperationInfo: e.info, Transaction: e.tx}
	})
}

func (m *Mempool) dump(state opState) []mempoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]mempoolEntry, 0)
	for _, e := range m.entries {
		if e.state == state {
			cp := *e
			cp.tx = e.tx.Copy()
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Clear empties all three collections.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[common.Hash]*mempoolEntry)
	m.outstanding.Clear(false)
	m.senderNonces.Clear()
	m.updateGaugesLocked()
}

func (m *Mempool) updateGaugesLocked() {
	counts := lo.CountValuesBy(lo.Values(m.entries), func(e *mempoolEntry) opState { return e.state })
	for _, s := range []opState{stateOutstanding, stateProcessing, stateSubmitted} {
		m.metrics.userOperationsInMempool.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
