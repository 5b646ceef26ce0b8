// Package nonce tracks the next transaction nonce of each executor wallet.
//
// The tracker keeps the last nonce it handed out per (wallet, chain) and
// reconciles it with the pending nonce reported by the node: the next nonce is
// always max(local last + 1, chain pending).
package nonce

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type walletKey struct {
	wallet  common.Address
	chainID uint64
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex
	// last nonce handed out, absent when nothing is outstanding
	last map[walletKey]uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[walletKey]uint64)}
}

// Next reserves and returns the nonce the wallet's next transaction must use.
// chainPending is the node's pending nonce for the wallet.
func (t *Tracker) Next(wallet common.Address, chainID uint64, chainPending uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := walletKey{wallet, chainID}
	next := chainPending
	if last, ok := t.last[key]; ok && last+1 > next {
		next = last + 1
	}
	t.last[key] = next
	return next
}

// Release gives back a nonce that was reserved but never broadcast. Only the
// most recent reservation can be given back; older ones are left as they are.
func (t *Tracker) Release(wallet common.Address, chainID uint64, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := walletKey{wallet, chainID}
	last, ok := t.last[key]
	if !ok || last != nonce {
		return
	}
	if nonce == 0 {
		delete(t.last, key)
		return
	}
	t.last[key] = nonce - 1
}

// Confirm records that nonce was mined. The tracker never moves backwards.
func (t *Tracker) Confirm(wallet common.Address, chainID uint64, nonce uint64) {
	t.SetPendingNonce(wallet, chainID, nonce)
}

// SetPendingNonce records nonce as used when it is ahead of the tracked value.
func (t *Tracker) SetPendingNonce(wallet common.Address, chainID uint64, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := walletKey{wallet, chainID}
	if last, ok := t.last[key]; ok && last >= nonce {
		return
	}
	t.last[key] = nonce
}

// Reset forgets the wallet so the next call to Next follows the chain.
// Used after the node reports a nonce as too low.
func (t *Tracker) Reset(wallet common.Address, chainID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.last, walletKey{wallet, chainID})
}

// Last returns the last nonce handed out for the wallet.
func (t *Tracker) Last(wallet common.Address, chainID uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[walletKey{wallet, chainID}]
	return last, ok
}
