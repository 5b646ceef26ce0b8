// adapters.go provides implementations of the interfaces in deps.go backed by
// go-ethereum's ethclient, jarvis broadcasters and monitors, and local keys.
package bundlerarmy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/tranvictor/jarvis/networks"
	"github.com/tranvictor/jarvis/util"
	"github.com/tranvictor/jarvis/util/broadcaster"
	"github.com/tranvictor/jarvis/util/monitor"
)

// DefaultReceiptPollInterval is how often receipt waiters poll the node
const DefaultReceiptPollInterval = time.Second

// NewEthClientReader returns client as a ChainReader.
func NewEthClientReader(client *ethclient.Client) ChainReader {
	return client
}

// receiptBackend is the subset of *ethclient.Client the writer needs
type receiptBackend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthClientWriter sends transactions through a single node and polls it for receipts.
type EthClientWriter struct {
	backend      receiptBackend
	pollInterval time.Duration
}

// NewEthClientWriter creates a writer polling every pollInterval.
func NewEthClientWriter(client *ethclient.Client, pollInterval time.Duration) *EthClientWriter {
	return newEthClientWriter(client, pollInterval)
}

func newEthClientWriter(backend receiptBackend, pollInterval time.Duration) *EthClientWriter {
	if pollInterval <= 0 {
		pollInterval = DefaultReceiptPollInterval
	}
	return &EthClientWriter{backend: backend, pollInterval: pollInterval}
}

func (w *EthClientWriter) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (w *EthClientWriter) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			logger.WithFields(logger.Fields{
				"tx_hash": txHash.Hex(),
				"error":   err,
			}).Debug("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

var _ ChainWriter = (*EthClientWriter)(nil)

// TxBroadcaster sends a signed transaction to one or more nodes.
type TxBroadcaster interface {
	BroadcastTx(tx *types.Transaction) (hash string, broadcasted bool, err error)
}

// TxWatchStatus is the final status reported by a TxWatcher.
// Status is one of "done", "reverted" or "lost".
type TxWatchStatus struct {
	Status  string
	Receipt *types.Receipt
}

// TxWatcher reports the status of a transaction once it settles.
type TxWatcher interface {
	MakeWaitChannelWithInterval(txHash string, interval time.Duration) <-chan TxWatchStatus
}

// jarvisWatcher wraps jarvis monitor.TxMonitor to implement TxWatcher
type jarvisWatcher struct {
	monitor *monitor.TxMonitor
}

func (m *jarvisWatcher) MakeWaitChannelWithInterval(txHash string, interval time.Duration) <-chan TxWatchStatus {
	jarvisChan := m.monitor.MakeWaitChannelWithInterval(txHash, interval)
	resultChan := make(chan TxWatchStatus, 1)

	go func() {
		defer close(resultChan)
		status := <-jarvisChan
		resultChan <- TxWatchStatus{
			Status:  status.Status,
			Receipt: status.Receipt,
		}
	}()

	return resultChan
}

// JarvisWriter broadcasts through every node jarvis knows for the network and
// watches transactions with the jarvis tx monitor.
type JarvisWriter struct {
	broadcaster  TxBroadcaster
	watcher      TxWatcher
	pollInterval time.Duration
}

// NewJarvisWriter resolves chainID with jarvis and builds its broadcaster and monitor.
func NewJarvisWriter(chainID uint64) (*JarvisWriter, error) {
	network, err := networks.GetNetworkByID(chainID)
	if err != nil {
		return nil, fmt.Errorf("couldn't resolve network %d: %w", chainID, err)
	}
	b, err := util.EthBroadcaster(network)
	if err != nil {
		return nil, fmt.Errorf("couldn't init broadcaster for network %s: %w", network.GetName(), err)
	}
	r, err := util.EthReader(network)
	if err != nil {
		return nil, fmt.Errorf("couldn't init reader for network %s: %w", network.GetName(), err)
	}
	return NewJarvisWriterFrom(
		&jarvisBroadcaster{broadcaster: b},
		&jarvisWatcher{monitor: monitor.NewGenericTxMonitor(r)},
		DefaultReceiptPollInterval,
	), nil
}

// NewJarvisWriterFrom builds a writer over custom broadcaster and watcher implementations.
func NewJarvisWriterFrom(b TxBroadcaster, w TxWatcher, pollInterval time.Duration) *JarvisWriter {
	if pollInterval <= 0 {
		pollInterval = DefaultReceiptPollInterval
	}
	return &JarvisWriter{broadcaster: b, watcher: w, pollInterval: pollInterval}
}

// jarvisBroadcaster wraps jarvis broadcaster.Broadcaster to implement TxBroadcaster
type jarvisBroadcaster struct {
	broadcaster *broadcaster.Broadcaster
}

func (b *jarvisBroadcaster) BroadcastTx(tx *types.Transaction) (string, bool, error) {
	return b.broadcaster.BroadcastTx(tx)
}

func (w *JarvisWriter) SendTransaction(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	hash, broadcasted, err := w.broadcaster.BroadcastTx(tx)
	if err != nil {
		return common.Hash{}, err
	}
	if !broadcasted {
		return common.Hash{}, fmt.Errorf("transaction %s was not accepted by any node", tx.Hash().Hex())
	}
	return common.HexToHash(hash), nil
}

func (w *JarvisWriter) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	statusChan := w.watcher.MakeWaitChannelWithInterval(txHash.Hex(), w.pollInterval)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, txHash.Hex(), timeout)
	case status := <-statusChan:
		switch status.Status {
		case "done", "reverted":
			if status.Receipt == nil {
				return nil, fmt.Errorf("transaction %s settled without receipt", txHash.Hex())
			}
			return status.Receipt, nil
		case "lost":
			return nil, fmt.Errorf("%w: %s", ErrTxLost, txHash.Hex())
		default:
			return nil, fmt.Errorf("%w: %s reported %q", ErrReceiptTimeout, txHash.Hex(), status.Status)
		}
	}
}

var _ ChainWriter = (*JarvisWriter)(nil)

// KeySigner signs with in-memory private keys.
type KeySigner struct {
	signer types.Signer
	keys   map[common.Address]*ecdsa.PrivateKey
}

// NewKeySigner creates a signer for chainID holding keys.
func NewKeySigner(chainID uint64, keys ...*ecdsa.PrivateKey) *KeySigner {
	ks := &KeySigner{
		signer: types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		keys:   make(map[common.Address]*ecdsa.PrivateKey, len(keys)),
	}
	for _, key := range keys {
		ks.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return ks
}

// KeySignerFromHex parses hex encoded private keys, with or without 0x prefix.
func KeySignerFromHex(chainID uint64, hexKeys ...string) (*KeySigner, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid executor key #%d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return NewKeySigner(chainID, keys...), nil
}

// Addresses returns the wallets the signer holds keys for, in no particular order.
func (ks *KeySigner) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(ks.keys))
	for addr := range ks.keys {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (ks *KeySigner) SignTx(_ context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	key, ok := ks.keys[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, from.Hex())
	}
	return types.SignTx(tx, ks.signer, key)
}

var _ Signer = (*KeySigner)(nil)
