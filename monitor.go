package bundlerarmy

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"
)

// StatusMonitor maps operation hashes to their lifecycle status. Every write
// restarts the entry's TTL; an expired entry reads as not_found. Reads never
// extend the TTL.
//
// Expired entries are swept by the cache janitor started in NewStatusMonitor;
// call Stop to release it.
type StatusMonitor struct {
	cache *ttlcache.Cache[common.Hash, StatusEntry]

	ttl          time.Duration
	store        StatusStore
	storeTimeout time.Duration

	stopOnce sync.Once
}

// NewStatusMonitor creates a monitor and starts its expiry janitor.
func NewStatusMonitor(opts ...StatusMonitorOption) *StatusMonitor {
	sm := &StatusMonitor{
		ttl:          DefaultStatusTTL,
		storeTimeout: DefaultExternalCallTimeout,
	}
	for _, opt := range opts {
		opt(sm)
	}
	sm.cache = ttlcache.New[common.Hash, StatusEntry](
		ttlcache.WithTTL[common.Hash, StatusEntry](sm.ttl),
		ttlcache.WithDisableTouchOnHit[common.Hash, StatusEntry](),
	)
	go sm.cache.Start()
	return sm
}

// SetStatus upserts the status of hash and restarts its expiry timer.
func (sm *StatusMonitor) SetStatus(hash common.Hash, entry StatusEntry) {
	sm.cache.Set(hash, entry, ttlcache.DefaultTTL)

	if sm.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sm.storeTimeout)
	defer cancel()
	if err := sm.store.Set(ctx, hash, entry, sm.ttl); err != nil {
		logger.WithFields(logger.Fields{
			"user_op_hash": hash.Hex(),
			"status":       entry.Status,
			"error":        err,
		}).Warn("failed to persist user operation status")
	}
}

// GetStatus returns the status of hash, or not_found when it is unknown or expired.
func (sm *StatusMonitor) GetStatus(hash common.Hash) StatusEntry {
	if item := sm.cache.Get(hash); item != nil {
		return item.Value()
	}

	if sm.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sm.storeTimeout)
		defer cancel()
		entry, err := sm.store.Get(ctx, hash)
		if err != nil {
			logger.WithFields(logger.Fields{
				"user_op_hash": hash.Hex(),
				"error":        err,
			}).Warn("failed to read user operation status from store")
		} else if entry != nil {
			return *entry
		}
	}

	return StatusEntry{Status: StatusNotFound}
}

// Len returns the number of live entries held in memory.
func (sm *StatusMonitor) Len() int {
	return sm.cache.Len()
}

// Clear drops every in-memory entry. Persisted entries expire on their own.
func (sm *StatusMonitor) Clear() {
	sm.cache.DeleteAll()
}

// Stop stops the expiry janitor. The monitor stays readable afterwards.
func (sm *StatusMonitor) Stop() {
	sm.stopOnce.Do(sm.cache.Stop)
}

func submittedStatus(txHash common.Hash) StatusEntry {
	return StatusEntry{Status: StatusSubmitted, TransactionHash: &txHash}
}

func includedStatus(txHash common.Hash) StatusEntry {
	return StatusEntry{Status: StatusIncluded, TransactionHash: &txHash}
}

func failedStatus(txHash *common.Hash) StatusEntry {
	return StatusEntry{Status: StatusFailed, TransactionHash: txHash}
}
