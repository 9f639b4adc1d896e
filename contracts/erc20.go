package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"mint","outputs":[],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// ERC20ABI exposes the parsed ABI for callers that need to pack calldata
// without dialing a chain, e.g. the AA userOp builder's batched calls.
var ERC20ABI = erc20ABI

// ERC20 is a minimal read/write binding over the token used to pay for
// subscriptions.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 binds to an ERC-20 token at address using backend for calls and
// sends.
func NewERC20(address common.Address, backend bind.ContractBackend) *ERC20 {
	return &ERC20{address: address, contract: newBound(address, erc20ABI, backend)}
}

// Address returns the bound contract address.
func (t *ERC20) Address() common.Address { return t.address }

// Allowance returns the amount spender may spend on owner's behalf.
func (t *ERC20) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// BalanceOf returns account's token balance.
func (t *ERC20) BalanceOf(opts *bind.CallOpts, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "balanceOf", account); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// PackApprove packs calldata for approve(spender, amount), used by the AA
// builder inside a batched executeBatch call rather than sent directly.
func (t *ERC20) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackMint packs calldata for the demo token's mint(to, amount). Production
// tokens do not expose this method; it exists only for the --mint demo
// flow in the AA subscribe command.
func (t *ERC20) PackMint(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("mint", to, amount)
}
