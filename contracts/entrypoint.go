package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const entryPointABIJSON = `[
  {"constant":true,"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"name":"getNonce","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"userOp","type":"tuple","components":[
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
    {"name":"signature","type":"bytes"}
  ]}],"name":"getUserOpHash","outputs":[{"name":"","type":"bytes32"}],"type":"function"}
]`

var entryPointABI = mustParseABI(entryPointABIJSON)

// UserOpTuple is the wire-layout twin of aa.UserOperation, shaped for ABI
// packing against EntryPoint.getUserOpHash. Field names are matched
// case-insensitively against the ABI tuple components by go-ethereum's
// reflection-based struct binder, so names must line up with the ABI above.
type UserOpTuple struct {
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

// EntryPoint binds to the ERC-4337 singleton EntryPoint contract.
type EntryPoint struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewEntryPoint binds to the EntryPoint at address using backend.
func NewEntryPoint(address common.Address, backend bind.ContractBackend) *EntryPoint {
	return &EntryPoint{address: address, contract: newBound(address, entryPointABI, backend)}
}

// Address returns the bound contract address.
func (e *EntryPoint) Address() common.Address { return e.address }

// GetNonce returns the account's nonce for the given 192-bit key.
func (e *EntryPoint) GetNonce(opts *bind.CallOpts, sender common.Address, key *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(opts, &out, "getNonce", sender, key); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// GetUserOpHash returns the canonical hash the EntryPoint would derive for
// op. The userOp hash is always computed on-chain this way, never
// reimplemented locally, so signature verification always agrees with the
// bundler's view.
func (e *EntryPoint) GetUserOpHash(opts *bind.CallOpts, op UserOpTuple) (common.Hash, error) {
	var out []interface{}
	if err := e.contract.Call(opts, &out, "getUserOpHash", op); err != nil {
		return common.Hash{}, err
	}
	return common.Hash(out[0].([32]byte)), nil
}
