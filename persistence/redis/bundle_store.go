package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/tranvictor/bundlerarmy"
)

// DefaultKeyPrefix namespaces every key written by this package
const DefaultKeyPrefix = "bundlerarmy"

const (
	bundleKeySegment        = "bundle"
	bundlePendingKeySegment = "pending"

	maxWatchRetries = 10
)

// key joins non-empty parts with ":"
func key(parts ...string) string {
	return strings.Join(lo.Compact(parts), ":")
}

// BundleStore persists in-flight bundles so supervision can resume after a
// restart. Records live until the bundle settles and Delete is called.
// It implements the bundlerarmy.BundleStore interface.
type BundleStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// BundleStoreOption configures a BundleStore.
type BundleStoreOption func(*BundleStore)

// WithBundleStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithBundleStoreKeyPrefix(prefix string) BundleStoreOption {
	return func(s *BundleStore) {
		s.keyPrefix = prefix
	}
}

// NewBundleStore creates a new Redis-based bundle store.
func NewBundleStore(client redis.UniversalClient, opts ...BundleStoreOption) *BundleStore {
	s := &BundleStore{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// bundleMember identifies a bundle inside the pending set of its chain
func bundleMember(wallet common.Address, nonce uint64) string {
	return wallet.Hex() + ":" + strconv.FormatUint(nonce, 10)
}

// bundleKey returns <prefix>:<chainID>:bundle:<wallet>:<nonce>
func (s *BundleStore) bundleKey(chainID uint64, member string) string {
	return key(s.keyPrefix, strconv.FormatUint(chainID, 10), bundleKeySegment, member)
}

// pendingKey returns <prefix>:<chainID>:bundle:pending
func (s *BundleStore) pendingKey(chainID uint64) string {
	return key(s.keyPrefix, strconv.FormatUint(chainID, 10), bundleKeySegment, bundlePendingKeySegment)
}

// bundleRecordData is the JSON-serializable form of BundleRecord
type bundleRecordData struct {
	TransactionHash           string                       `json:"transaction_hash"`
	PreviousTransactionHashes []string                     `json:"previous_transaction_hashes,omitempty"`
	Executor                  string                       `json:"executor"`
	ChainID                   uint64                       `json:"chain_id"`
	Nonce                     uint64                       `json:"nonce"`
	GasLimit                  uint64                       `json:"gas_limit"`
	MaxFeePerGas              string                       `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas      string                       `json:"max_priority_fee_per_gas"`
	UserOperationHashes       []string                     `json:"user_operation_hashes"`
	FirstSubmitted            int64                        `json:"first_submitted"` // Nanoseconds
	LastReplaced              int64                        `json:"last_replaced"`   // Nanoseconds
	TimesPotentiallyIncluded  int                          `json:"times_potentially_included"`
	UserOperations            []*bundlerarmy.UserOperation `json:"user_operations"`
	SubmissionAttempts        []int                        `json:"submission_attempts,omitempty"`
	Data                      hexutil.Bytes                `json:"data,omitempty"`
}

// Save stores record, replacing the record of the same (wallet, nonce).
// A record that has seen fewer replacements than the stored one is ignored,
// so a late write cannot roll a replacement back.
// Uses WATCH/MULTI/EXEC with exponential backoff on contention.
func (s *BundleStore) Save(ctx context.Context, record *bundlerarmy.BundleRecord) error {
	if record == nil || record.Transaction == nil {
		return fmt.Errorf("bundle record and its transaction cannot be nil")
	}
	tx := record.Transaction
	member := bundleMember(tx.Executor, tx.Nonce)
	dataKey := s.bundleKey(tx.ChainID, member)

	data, err := serializeBundleRecord(record)
	if err != nil {
		return fmt.Errorf("failed to serialize bundle: %w", err)
	}

	return s.watchWithRetry(ctx, dataKey, func(rtx *redis.Tx) error {
		existing, err := rtx.Get(ctx, dataKey).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get existing bundle: %w", err)
		}
		if err != redis.Nil {
			if stored, parseErr := deserializeBundleRecord(existing); parseErr == nil &&
				len(stored.Transaction.PreviousTransactionHashes) > len(tx.PreviousTransactionHashes) {
				return nil
			}
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, data, 0)
			pipe.SAdd(ctx, s.pendingKey(tx.ChainID), member)
			return nil
		})
		return err
	})
}

// Delete removes the record of (wallet, nonce). Deleting a missing record is a no-op.
func (s *BundleStore) Delete(ctx context.Context, wallet common.Address, chainID uint64, nonce uint64) error {
	member := bundleMember(wallet, nonce)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.bundleKey(chainID, member))
		pipe.SRem(ctx, s.pendingKey(chainID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	return nil
}

// ListPending returns every stored bundle of chainID. Index entries whose
// record disappeared are cleaned up on the way.
func (s *BundleStore) ListPending(ctx context.Context, chainID uint64) ([]*bundlerarmy.BundleRecord, error) {
	members, err := s.client.SMembers(ctx, s.pendingKey(chainID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending bundles: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := lo.Map(members, func(member string, _ int) string {
		return s.bundleKey(chainID, member)
	})
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bundles: %w", err)
	}

	records := make([]*bundlerarmy.BundleRecord, 0, len(values))
	var orphans []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, members[i])
			continue
		}
		record, err := deserializeBundleRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize bundle %s: %w", members[i], err)
		}
		records = append(records, record)
	}
	if len(orphans) > 0 {
		// best effort, the next listing retries
		_ = s.client.SRem(ctx, s.pendingKey(chainID), orphans...).Err()
	}
	return records, nil
}

// watchWithRetry runs fn under WATCH on watchKey, retrying optimistic lock
// failures with exponential backoff and jitter.
func (s *BundleStore) watchWithRetry(ctx context.Context, watchKey string, fn func(*redis.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	var attempts int
	operation := func() error {
		attempts++
		err := s.client.Watch(ctx, fn, watchKey)
		if err == redis.TxFailedErr {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, maxWatchRetries-1), ctx))
	if err == redis.TxFailedErr {
		return fmt.Errorf("failed to save bundle after %d attempts: %w", attempts, err)
	}
	return err
}

func serializeBundleRecord(record *bundlerarmy.BundleRecord) ([]byte, error) {
	tx := record.Transaction
	data := bundleRecordData{
		TransactionHash:           tx.TransactionHash.Hex(),
		PreviousTransactionHashes: hashesToHex(tx.PreviousTransactionHashes),
		Executor:                  tx.Executor.Hex(),
		ChainID:                   tx.ChainID,
		Nonce:                     tx.Nonce,
		GasLimit:                  tx.GasLimit,
		MaxFeePerGas:              bigToString(tx.MaxFeePerGas),
		MaxPriorityFeePerGas:      bigToString(tx.MaxPriorityFeePerGas),
		UserOperationHashes:       hashesToHex(tx.UserOperationHashes),
		FirstSubmitted:            tx.FirstSubmitted.UnixNano(),
		LastReplaced:              tx.LastReplaced.UnixNano(),
		TimesPotentiallyIncluded:  tx.TimesPotentiallyIncluded,
		UserOperations:            record.UserOperations,
		SubmissionAttempts:        record.SubmissionAttempts,
		Data:                      record.Data,
	}
	return json.Marshal(data)
}

func deserializeBundleRecord(raw []byte) (*bundlerarmy.BundleRecord, error) {
	var data bundleRecordData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	maxFee, err := stringToBig(data.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("invalid max fee per gas: %w", err)
	}
	tip, err := stringToBig(data.MaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("invalid max priority fee per gas: %w", err)
	}

	return &bundlerarmy.BundleRecord{
		Transaction: &bundlerarmy.TransactionInfo{
			TransactionHash:           common.HexToHash(data.TransactionHash),
			PreviousTransactionHashes: hexToHashes(data.PreviousTransactionHashes),
			Executor:                  common.HexToAddress(data.Executor),
			ChainID:                   data.ChainID,
			Nonce:                     data.Nonce,
			GasLimit:                  data.GasLimit,
			MaxFeePerGas:              maxFee,
			MaxPriorityFeePerGas:      tip,
			UserOperationHashes:       hexToHashes(data.UserOperationHashes),
			FirstSubmitted:            time.Unix(0, data.FirstSubmitted),
			LastReplaced:              time.Unix(0, data.LastReplaced),
			TimesPotentiallyIncluded:  data.TimesPotentiallyIncluded,
		},
		UserOperations:     data.UserOperations,
		SubmissionAttempts: data.SubmissionAttempts,
		Data:               data.Data,
	}, nil
}

func hashesToHex(hashes []common.Hash) []string {
	return lo.Map(hashes, func(h common.Hash, _ int) string { return h.Hex() })
}

func hexToHashes(hexes []string) []common.Hash {
	return lo.Map(hexes, func(h string, _ int) common.Hash { return common.HexToHash(h) })
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func stringToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

var _ bundlerarmy.BundleStore = (*BundleStore)(nil)
