package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// uint40/uint16 fields are declared as uint256 below: ABI words are 32
// bytes regardless of the Solidity source type, and the narrower Go
// binding isn't worth the type-juggling.
const openSubABIJSON = `[
  {"constant":true,"inputs":[{"name":"id","type":"uint256"}],"name":"isDue","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"id","type":"uint256"}],"name":"subscriptions","outputs":[
    {"name":"planId","type":"uint256"},
    {"name":"subscriber","type":"address"},
    {"name":"status","type":"uint256"},
    {"name":"startTime","type":"uint256"},
    {"name":"paidThrough","type":"uint256"},
    {"name":"lastChargedAt","type":"uint256"}
  ],"type":"function"},
  {"constant":true,"inputs":[{"name":"id","type":"uint256"}],"name":"plans","outputs":[
    {"name":"merchant","type":"address"},
    {"name":"token","type":"address"},
    {"name":"price","type":"uint256"},
    {"name":"interval","type":"uint256"},
    {"name":"collectorFeeBps","type":"uint256"},
    {"name":"active","type":"bool"},
    {"name":"createdAt","type":"uint256"}
  ],"type":"function"},
  {"constant":true,"inputs":[{"name":"planId","type":"uint256"},{"name":"subscriber","type":"address"}],"name":"activeSubscriptionOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"id","type":"uint256"}],"name":"hasAccess","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"id","type":"uint256"}],"name":"collect","outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"planId","type":"uint256"}],"name":"subscribe","outputs":[],"type":"function"},
  {"constant":false,"inputs":[{"name":"id","type":"uint256"},{"name":"immediate","type":"bool"}],"name":"cancel","outputs":[],"type":"function"},
  {"constant":false,"inputs":[{"name":"id","type":"uint256"}],"name":"unscheduleCancel","outputs":[],"type":"function"}
]`

var openSubABI = mustParseABI(openSubABIJSON)

// OpenSubABI is exported for packers that build calldata without a bound
// contract instance (the AA userOp builder).
var OpenSubABI = openSubABI

// SubscriptionStatusActive is the status value meaning the subscription is
// live and eligible for collection.
const SubscriptionStatusActive = 1

// Subscription mirrors the on-chain subscriptions(uint256) tuple.
type Subscription struct {
	PlanID        uint64
	Subscriber    common.Address
	Status        uint64
	StartTime     uint64
	PaidThrough   uint64
	LastChargedAt uint64
}

// Plan mirrors the on-chain plans(uint256) tuple.
type Plan struct {
	Merchant        common.Address
	Token           common.Address
	Price           *big.Int
	Interval        uint64
	CollectorFeeBps uint64
	Active          bool
	CreatedAt       uint64
}

// OpenSub binds to the subscription contract.
type OpenSub struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewOpenSub binds to the OpenSub contract at address using backend.
func NewOpenSub(address common.Address, backend bind.ContractBackend) *OpenSub {
	return &OpenSub{address: address, contract: newBound(address, openSubABI, backend)}
}

// Address returns the bound contract address.
func (o *OpenSub) Address() common.Address { return o.address }

// IsDue reports whether id is eligible for collection right now.
func (o *OpenSub) IsDue(opts *bind.CallOpts, id uint64) (bool, error) {
	var out []interface{}
	if err := o.contract.Call(opts, &out, "isDue", new(big.Int).SetUint64(id)); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// Subscriptions reads a subscription record.
func (o *OpenSub) Subscriptions(opts *bind.CallOpts, id uint64) (Subscription, error) {
	var out []interface{}
	if err := o.contract.Call(opts, &out, "subscriptions", new(big.Int).SetUint64(id)); err != nil {
		return Subscription{}, err
	}
	return Subscription{
		PlanID:        out[0].(*big.Int).Uint64(),
		Subscriber:    out[1].(common.Address),
		Status:        out[2].(*big.Int).Uint64(),
		StartTime:     out[3].(*big.Int).Uint64(),
		PaidThrough:   out[4].(*big.Int).Uint64(),
		LastChargedAt: out[5].(*big.Int).Uint64(),
	}, nil
}

// Plans reads a plan record.
func (o *OpenSub) Plans(opts *bind.CallOpts, planID uint64) (Plan, error) {
	var out []interface{}
	if err := o.contract.Call(opts, &out, "plans", new(big.Int).SetUint64(planID)); err != nil {
		return Plan{}, err
	}
	return Plan{
		Merchant:        out[0].(common.Address),
		Token:           out[1].(common.Address),
		Price:           out[2].(*big.Int),
		Interval:        out[3].(*big.Int).Uint64(),
		CollectorFeeBps: out[4].(*big.Int).Uint64(),
		Active:          out[5].(bool),
		CreatedAt:       out[6].(*big.Int).Uint64(),
	}, nil
}

// ActiveSubscriptionOf returns the subscriber's active subscription id for
// planID, or zero if none.
func (o *OpenSub) ActiveSubscriptionOf(opts *bind.CallOpts, planID uint64, subscriber common.Address) (uint64, error) {
	var out []interface{}
	if err := o.contract.Call(opts, &out, "activeSubscriptionOf", new(big.Int).SetUint64(planID), subscriber); err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// HasAccess reports whether id currently grants access (paid through now).
func (o *OpenSub) HasAccess(opts *bind.CallOpts, id uint64) (bool, error) {
	var out []interface{}
	if err := o.contract.Call(opts, &out, "hasAccess", new(big.Int).SetUint64(id)); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// Collect submits a collect(id) transaction.
func (o *OpenSub) Collect(opts *bind.TransactOpts, id uint64) (*types.Transaction, error) {
	return o.contract.Transact(opts, "collect", new(big.Int).SetUint64(id))
}

// PackCollect packs calldata for collect(id), used by eth_call simulation
// and by the AA builder's single-call paths.
func (o *OpenSub) PackCollect(id uint64) ([]byte, error) {
	return openSubABI.Pack("collect", new(big.Int).SetUint64(id))
}

// PackSubscribe packs calldata for subscribe(planId).
func (o *OpenSub) PackSubscribe(planID uint64) ([]byte, error) {
	return openSubABI.Pack("subscribe", new(big.Int).SetUint64(planID))
}

// PackCancel packs calldata for cancel(id, immediate).
func (o *OpenSub) PackCancel(id uint64, immediate bool) ([]byte, error) {
	return openSubABI.Pack("cancel", new(big.Int).SetUint64(id), immediate)
}

// PackUnscheduleCancel packs calldata for unscheduleCancel(id).
func (o *OpenSub) PackUnscheduleCancel(id uint64) ([]byte, error) {
	return openSubABI.Pack("unscheduleCancel", new(big.Int).SetUint64(id))
}
