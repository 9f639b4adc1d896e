// Package contracts provides minimal, hand-rolled ABI bindings for the
// on-chain surface OpenSub talks to. None of these contracts are compiled
// here; each binding only declares the methods the keeper and the AA
// client actually call.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

func mustParseABI(json string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(json))
	if err != nil {
		panic(err)
	}
	return parsed
}

func newBound(address common.Address, parsed abi.ABI, backend bind.ContractBackend) *bind.BoundContract {
	return bind.NewBoundContract(address, parsed, backend, backend, backend)
}
