package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const accountFactoryABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"createAccount","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

var accountFactoryABI = mustParseABI(accountFactoryABIJSON)

// AccountFactory binds to the smart-account factory used to derive and
// counterfactually deploy smart accounts via CREATE2.
type AccountFactory struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewAccountFactory binds to the factory at address using backend.
func NewAccountFactory(address common.Address, backend bind.ContractBackend) *AccountFactory {
	return &AccountFactory{address: address, contract: newBound(address, accountFactoryABI, backend)}
}

// Address returns the bound contract address.
func (f *AccountFactory) Address() common.Address { return f.address }

// GetAddress returns the counterfactual smart-account address for
// (owner, salt), deployed or not.
func (f *AccountFactory) GetAddress(opts *bind.CallOpts, owner common.Address, salt *big.Int) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(opts, &out, "getAddress", owner, salt); err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// PackCreateAccount packs calldata for createAccount(owner, salt), used as
// the tail of a userOp's initCode.
func (f *AccountFactory) PackCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	return accountFactoryABI.Pack("createAccount", owner, salt)
}
