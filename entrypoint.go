package bundlerarmy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

const entryPointV06ABI = `[
  {"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],
   "inputs":[
    {"name":"ops","type":"tuple[]","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"callGasLimit","type":"uint256"},
      {"name":"verificationGasLimit","type":"uint256"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"maxFeePerGas","type":"uint256"},
      {"name":"maxPriorityFeePerGas","type":"uint256"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}]},
    {"name":"beneficiary","type":"address"}]},
  {"type":"error","name":"FailedOp","inputs":[
    {"name":"opIndex","type":"uint256"},
    {"name":"reason","type":"string"}]}
]`

var entryPointABI = mustParseABI(entryPointV06ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// packedUserOperation is the handleOps tuple layout of an operation.
type packedUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func packUserOperation(op *UserOperation) packedUserOperation {
	return packedUserOperation{
		Sender:               op.Sender,
		Nonce:                bigOrZero(op.Nonce),
		InitCode:             op.InitCode(),
		CallData:             op.CallData,
		CallGasLimit:         bigOrZero(op.CallGasLimit),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData(),
		Signature:            op.Signature,
	}
}

// EntryPointBackend is the node access the EntryPoint adapter needs.
// *ethclient.Client satisfies it.
type EntryPointBackend interface {
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EntryPointV06 talks to an EntryPoint v0.6 contract.
type EntryPointV06 struct {
	address common.Address
	backend EntryPointBackend
}

// NewEntryPointV06 creates an adapter for the EntryPoint deployed at address.
func NewEntryPointV06(address common.Address, backend EntryPointBackend) *EntryPointV06 {
	return &EntryPointV06{address: address, backend: backend}
}

func (ep *EntryPointV06) Address() common.Address {
	return ep.address
}

func (ep *EntryPointV06) EncodeHandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	packed := make([]packedUserOperation, len(ops))
	for i, op := range ops {
		packed[i] = packUserOperation(op)
	}
	return entryPointABI.Pack("handleOps", packed, beneficiary)
}

func (ep *EntryPointV06) EstimateHandleOpsGas(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	gas, err := ep.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &ep.address,
		Data: data,
	})
	if err == nil {
		return gas, nil
	}
	if failedOp := decodeFailedOp(err); failedOp != nil {
		return 0, failedOp
	}
	return 0, err
}

// FailedOpFromReceipt replays the bundle on the state of the block before the
// one that included it and decodes the FailedOp revert, if any.
func (ep *EntryPointV06) FailedOpFromReceipt(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (*FailedOpError, error) {
	if tx == nil || receipt == nil {
		return nil, fmt.Errorf("transaction and receipt are required")
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("couldn't recover bundle sender: %w", err)
	}

	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	_, err = ep.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   tx.To(),
		Gas:  tx.Gas(),
		Data: tx.Data(),
	}, block)
	if err == nil {
		return nil, nil
	}
	if failedOp := decodeFailedOp(err); failedOp != nil {
		return failedOp, nil
	}
	return nil, fmt.Errorf("replay reverted without FailedOp: %w", err)
}

// decodeFailedOp extracts a FailedOp revert from an RPC error.
func decodeFailedOp(err error) *FailedOpError {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil
	}
	return unpackFailedOp(data)
}

func unpackFailedOp(data []byte) *FailedOpError {
	failedOpABI := entryPointABI.Errors["FailedOp"]
	if len(data) < 4 || !bytes.Equal(data[:4], failedOpABI.ID[:4]) {
		return nil
	}
	values, err := failedOpABI.Inputs.Unpack(data[4:])
	if err != nil || len(values) != 2 {
		return nil
	}
	index, ok := values[0].(*big.Int)
	if !ok || !index.IsInt64() {
		return nil
	}
	reason, _ := values[1].(string)
	return &FailedOpError{Index: int(index.Int64()), Reason: reason}
}

var _ EntryPoint = (*EntryPointV06)(nil)
