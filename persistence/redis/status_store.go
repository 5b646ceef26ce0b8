package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/bundlerarmy"
)

const statusKeySegment = "userop_status"

// StatusStore persists user operation statuses of one chain. Entries expire
// through Redis key expiry, so no cleanup is needed.
// It implements the bundlerarmy.StatusStore interface.
type StatusStore struct {
	client    redis.UniversalClient
	chainID   uint64
	keyPrefix string
}

// StatusStoreOption configures a StatusStore.
type StatusStoreOption func(*StatusStore)

// WithStatusStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithStatusStoreKeyPrefix(prefix string) StatusStoreOption {
	return func(s *StatusStore) {
		s.keyPrefix = prefix
	}
}

// NewStatusStore creates a status store for chainID.
func NewStatusStore(client redis.UniversalClient, chainID uint64, opts ...StatusStoreOption) *StatusStore {
	s := &StatusStore{
		client:    client,
		chainID:   chainID,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// statusKey returns <prefix>:<chainID>:userop_status:<hash>
func (s *StatusStore) statusKey(hash common.Hash) string {
	return key(s.keyPrefix, strconv.FormatUint(s.chainID, 10), statusKeySegment, hash.Hex())
}

// statusData is the JSON-serializable form of StatusEntry
type statusData struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// Set stores entry with a fresh expiry of ttl. A ttl of 0 keeps the key forever.
func (s *StatusStore) Set(ctx context.Context, hash common.Hash, entry bundlerarmy.StatusEntry, ttl time.Duration) error {
	data := statusData{Status: string(entry.Status)}
	if entry.TransactionHash != nil {
		data.TransactionHash = entry.TransactionHash.Hex()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey(hash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// Get returns nil, nil when the hash is unknown or its key expired.
func (s *StatusStore) Get(ctx context.Context, hash common.Hash) (*bundlerarmy.StatusEntry, error) {
	raw, err := s.client.Get(ctx, s.statusKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var data statusData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to deserialize status: %w", err)
	}
	entry := &bundlerarmy.StatusEntry{Status: bundlerarmy.UserOperationStatus(data.Status)}
	if data.TransactionHash != "" {
		txHash := common.HexToHash(data.TransactionHash)
		entry.TransactionHash = &txHash
	}
	return entry, nil
}

func (s *StatusStore) Delete(ctx context.Context, hash common.Hash) error {
	if err := s.client.Del(ctx, s.statusKey(hash)).Err(); err != nil {
		return fmt.Errorf("failed to delete status: %w", err)
	}
	return nil
}

var _ bundlerarmy.StatusStore = (*StatusStore)(nil)
