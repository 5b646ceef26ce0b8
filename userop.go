package bundlerarmy

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an externally signed ERC-4337 intent. It is treated as
// immutable once it has been handed to the mempool.
type UserOperation struct {
	Sender               common.Address  `json:"sender"`
	Nonce                *big.Int        `json:"nonce"`
	Factory              *common.Address `json:"factory,omitempty"`
	FactoryData          []byte          `json:"factoryData,omitempty"`
	CallData             []byte          `json:"callData"`
	CallGasLimit         *big.Int        `json:"callGasLimit"`
	VerificationGasLimit *big.Int        `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int        `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int        `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int        `json:"maxPriorityFeePerGas"`
	Paymaster            *common.Address `json:"paymaster,omitempty"`
	PaymasterData        []byte          `json:"paymasterData,omitempty"`
	Signature            []byte          `json:"signature"`
}

var (
	abiAddress = mustNewType("address")
	abiUint256 = mustNewType("uint256")
	abiBytes32 = mustNewType("bytes32")

	userOpPackArgs = abi.Arguments{
		{Type: abiAddress}, // sender
		{Type: abiUint256}, // nonce
		{Type: abiBytes32}, // keccak(initCode)
		{Type: abiBytes32}, // keccak(callData)
		{Type: abiUint256}, // callGasLimit
		{Type: abiUint256}, // verificationGasLimit
		{Type: abiUint256}, // preVerificationGas
		{Type: abiUint256}, // maxFeePerGas
		{Type: abiUint256}, // maxPriorityFeePerGas
		{Type: abiBytes32}, // keccak(paymasterAndData)
	}
	userOpHashArgs = abi.Arguments{
		{Type: abiBytes32},
		{Type: abiAddress},
		{Type: abiUint256},
	}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// InitCode is factory || factoryData, empty when no factory is set.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData is paymaster || paymasterData, empty when no paymaster is set.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	return append(op.Paymaster.Bytes(), op.PaymasterData...)
}

// Hash returns the content-derived operation hash as computed by an EntryPoint
// v0.6 contract deployed at entryPoint on chainID.
func (op *UserOperation) Hash(entryPoint common.Address, chainID uint64) common.Hash {
	packed, err := userOpPackArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		bigOrZero(op.CallGasLimit),
		bigOrZero(op.VerificationGasLimit),
		bigOrZero(op.PreVerificationGas),
		bigOrZero(op.MaxFeePerGas),
		bigOrZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		// all arguments are statically typed, packing cannot fail
		panic(err)
	}
	encoded, err := userOpHashArgs.Pack(
		crypto.Keccak256Hash(packed),
		entryPoint,
		new(big.Int).SetUint64(chainID),
	)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// TotalGas is the gas budget the operation consumes in a bundle:
// call + verification + pre-verification. Saturates at math.MaxUint64.
func (op *UserOperation) TotalGas() uint64 {
	total := new(big.Int).Add(bigOrZero(op.CallGasLimit), bigOrZero(op.VerificationGasLimit))
	total.Add(total, bigOrZero(op.PreVerificationGas))
	if !total.IsUint64() {
		return math.MaxUint64
	}
	return total.Uint64()
}

// senderNonceKey is the admission conflict key of an operation.
type senderNonceKey struct {
	sender common.Address
	nonce  string
}

func (op *UserOperation) conflictKey() senderNonceKey {
	return senderNonceKey{sender: op.Sender, nonce: bigOrZero(op.Nonce).String()}
}
