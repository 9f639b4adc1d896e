// Package aa implements the ERC-4337 account-abstraction client: building,
// signing, estimating, sponsoring, submitting and polling UserOperations
// against an external bundler and an optional ERC-7677 paymaster.
package aa

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/w-woloszyn/opensub/contracts"
)

// UserOperation is the EntryPoint v0.6 layout (eleven fields). Numeric
// fields are represented as *big.Int (256-bit unsigned in practice);
// byte-string fields are raw, unprefixed byte slices.
type UserOperation struct {
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

// placeholderSignature is the 65-zero-byte signature used before the real
// EntryPoint-computed hash is available to sign.
func placeholderSignature() []byte {
	return make([]byte, 65)
}

// AsTuple converts to the ABI tuple shape EntryPoint.getUserOpHash expects.
func (op *UserOperation) AsTuple() contracts.UserOpTuple {
	return contracts.UserOpTuple{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// GasEstimates is the three-field result of eth_estimateUserOperationGas.
type GasEstimates struct {
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}
