package keeper

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w-woloszyn/opensub/contracts"
)

// scriptedBackend extends fakeChainClient with an eth_call responder driven
// by OpenSubABI/ERC20ABI, so CollectDue can run against a real
// *contracts.OpenSub/*contracts.ERC20 rather than a bespoke interface.
type scriptedBackend struct {
	*fakeChainClient

	subs  map[uint64]contracts.Subscription
	plans map[uint64]contracts.Plan
	due   map[uint64]bool

	allowance map[common.Address]*big.Int
	balance   map[common.Address]*big.Int

	revertCollect map[uint64]bool

	sendMode string // "succeed", "revert", "pending"
	sendErr  error
	sentTxs  []*types.Transaction
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		fakeChainClient: newFakeChainClient(),
		subs:            make(map[uint64]contracts.Subscription),
		plans:           make(map[uint64]contracts.Plan),
		due:             make(map[uint64]bool),
		allowance:       make(map[common.Address]*big.Int),
		balance:         make(map[common.Address]*big.Int),
		revertCollect:   make(map[uint64]bool),
		sendMode:        "succeed",
	}
}

func decodeCall(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("scriptedBackend: short calldata")
	}
	if m, err := contracts.OpenSubABI.MethodById(data[:4]); err == nil {
		args, err := m.Inputs.Unpack(data[4:])
		return m, args, err
	}
	if m, err := contracts.ERC20ABI.MethodById(data[:4]); err == nil {
		args, err := m.Inputs.Unpack(data[4:])
		return m, args, err
	}
	return nil, nil, fmt.Errorf("scriptedBackend: unknown selector %x", data[:4])
}

func (f *scriptedBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, args, err := decodeCall(call.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "isDue":
		id := args[0].(*big.Int).Uint64()
		return method.Outputs.Pack(f.due[id])
	case "subscriptions":
		id := args[0].(*big.Int).Uint64()
		sub, ok := f.subs[id]
		if !ok {
			return nil, fmt.Errorf("scriptedBackend: no subscription %d", id)
		}
		return method.Outputs.Pack(
			new(big.Int).SetUint64(sub.PlanID),
			sub.Subscriber,
			new(big.Int).SetUint64(sub.Status),
			new(big.Int).SetUint64(sub.StartTime),
			new(big.Int).SetUint64(sub.PaidThrough),
			new(big.Int).SetUint64(sub.LastChargedAt),
		)
	case "plans":
		planID := args[0].(*big.Int).Uint64()
		plan, ok := f.plans[planID]
		if !ok {
			return nil, fmt.Errorf("scriptedBackend: no plan %d", planID)
		}
		return method.Outputs.Pack(
			plan.Merchant,
			plan.Token,
			plan.Price,
			new(big.Int).SetUint64(plan.Interval),
			new(big.Int).SetUint64(plan.CollectorFeeBps),
			plan.Active,
			new(big.Int).SetUint64(plan.CreatedAt),
		)
	case "allowance":
		owner := args[0].(common.Address)
		amt := f.allowance[owner]
		if amt == nil {
			amt = big.NewInt(0)
		}
		return method.Outputs.Pack(amt)
	case "balanceOf":
		acct := args[0].(common.Address)
		amt := f.balance[acct]
		if amt == nil {
			amt = big.NewInt(0)
		}
		return method.Outputs.Pack(amt)
	case "collect":
		id := args[0].(*big.Int).Uint64()
		if f.revertCollect[id] {
			return nil, fmt.Errorf("execution reverted")
		}
		return method.Outputs.Pack(big.NewInt(0), big.NewInt(0))
	default:
		return nil, fmt.Errorf("scriptedBackend: unhandled method %s", method.Name)
	}
}

func (f *scriptedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTxs = append(f.sentTxs, tx)
	switch f.sendMode {
	case "succeed":
		f.receipts[tx.Hash()] = &types.Receipt{Status: 1}
	case "revert":
		f.receipts[tx.Hash()] = &types.Receipt{Status: 0}
	case "pending":
		// leave unrecorded so waitForReceipt times out.
	}
	return nil
}

var _ ChainClient = (*scriptedBackend)(nil)

func newTestCollector(t *testing.T, backend *scriptedBackend, maxTxsPerCycle uint64, maxConcurrency int, txTimeout time.Duration) *Collector {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, backend.chainID)
	if err != nil {
		t.Fatalf("NewKeyedTransactorWithChainID: %v", err)
	}
	contractAddr := common.HexToAddress("0x00000000000000000000000000000000000bad")
	// bind's gas estimation refuses to transact against an address with no
	// code, so the fake chain needs some bytecode at the contract address.
	backend.code[contractAddr] = []byte{0x60, 0x80}
	return &Collector{
		Client:         backend,
		Contract:       contracts.NewOpenSub(contractAddr, backend),
		From:           crypto.PubkeyToAddress(key.PublicKey),
		TransactOpts:   opts,
		Nonces:         &NonceManager{},
		MaxConcurrency: maxConcurrency,
		MaxTxsPerCycle: maxTxsPerCycle,
		TxTimeout:      txTimeout,
	}
}

func eligiblePlanAndSub(id, planID uint64, subscriber, token common.Address, price *big.Int) (contracts.Subscription, contracts.Plan) {
	sub := contracts.Subscription{
		PlanID:     planID,
		Subscriber: subscriber,
		Status:     contracts.SubscriptionStatusActive,
	}
	plan := contracts.Plan{
		Merchant: common.BigToAddress(big.NewInt(0xfee)),
		Token:    token,
		Price:    price,
		Active:   true,
	}
	return sub, plan
}

func TestCollectDue_DueAndSucceeds(t *testing.T) {
	backend := newScriptedBackend()
	backend.sendMode = "succeed"

	subscriber := common.HexToAddress("0x0000000000000000000000000000000000a11ce")
	token := common.HexToAddress("0x0000000000000000000000000000000000700ce")
	price := big.NewInt(100)

	sub, plan := eligiblePlanAndSub(1, 7, subscriber, token, price)
	backend.subs[1] = sub
	backend.plans[7] = plan
	backend.due[1] = true
	backend.allowance[subscriber] = big.NewInt(100)
	backend.balance[subscriber] = big.NewInt(100)

	c := newTestCollector(t, backend, 10, 4, 2*time.Second)

	outcome := c.CollectDue(context.Background(), []uint64{1})

	if outcome.Stats.Checked != 1 || outcome.Stats.Due != 1 || outcome.Stats.Sent != 1 || outcome.Stats.Succeeded != 1 {
		t.Fatalf("stats = %+v, want checked=1 due=1 sent=1 succeeded=1", outcome.Stats)
	}
	if outcome.Stats.Failed != 0 || outcome.Stats.PrecheckFailed != 0 || outcome.Stats.Throttled != 0 || outcome.Stats.Pending != 0 {
		t.Fatalf("stats = %+v, want no failures/throttling/pending", outcome.Stats)
	}
	if len(outcome.Successes) != 1 || outcome.Successes[0] != 1 {
		t.Fatalf("Successes = %v, want [1]", outcome.Successes)
	}
}

func TestCollectDue_InsufficientAllowance(t *testing.T) {
	backend := newScriptedBackend()

	subscriber := common.HexToAddress("0x0000000000000000000000000000000000a11ce")
	token := common.HexToAddress("0x0000000000000000000000000000000000700ce")
	price := big.NewInt(100)

	sub, plan := eligiblePlanAndSub(1, 7, subscriber, token, price)
	backend.subs[1] = sub
	backend.plans[7] = plan
	backend.due[1] = true
	backend.allowance[subscriber] = big.NewInt(50) // below price
	backend.balance[subscriber] = big.NewInt(100)

	c := newTestCollector(t, backend, 10, 4, 2*time.Second)

	outcome := c.CollectDue(context.Background(), []uint64{1})

	if outcome.Stats.PrecheckFailed != 1 {
		t.Fatalf("PrecheckFailed = %d, want 1", outcome.Stats.PrecheckFailed)
	}
	if outcome.Stats.Failed != 0 {
		t.Fatalf("Failed = %d, want 0 (insufficient allowance is a precheck failure)", outcome.Stats.Failed)
	}
	if outcome.Stats.Sent != 0 {
		t.Fatalf("Sent = %d, want 0", outcome.Stats.Sent)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Kind != FailureInsufficientAllowance {
		t.Fatalf("Failures = %+v, want one FailureInsufficientAllowance record", outcome.Failures)
	}
}

func TestCollectDue_BudgetCap(t *testing.T) {
	backend := newScriptedBackend()
	backend.sendMode = "succeed"

	token := common.HexToAddress("0x0000000000000000000000000000000000700ce")
	price := big.NewInt(100)
	ids := []uint64{1, 2, 3}
	for _, id := range ids {
		subscriber := common.BigToAddress(big.NewInt(0xa000 + int64(id)))
		sub, plan := eligiblePlanAndSub(id, id+100, subscriber, token, price)
		backend.subs[id] = sub
		backend.plans[id+100] = plan
		backend.due[id] = true
		backend.allowance[subscriber] = big.NewInt(100)
		backend.balance[subscriber] = big.NewInt(100)
	}

	c := newTestCollector(t, backend, 1, 3, 2*time.Second)

	outcome := c.CollectDue(context.Background(), ids)

	if outcome.Stats.Sent != 1 {
		t.Fatalf("Sent = %d, want 1 (budget capped at 1 tx/cycle)", outcome.Stats.Sent)
	}
	if outcome.Stats.Throttled != 2 {
		t.Fatalf("Throttled = %d, want 2", outcome.Stats.Throttled)
	}
	if outcome.Stats.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", outcome.Stats.Succeeded)
	}
}

func TestCollectDue_ReceiptTimeoutProducesPending(t *testing.T) {
	backend := newScriptedBackend()
	backend.sendMode = "pending"

	subscriber := common.HexToAddress("0x0000000000000000000000000000000000a11ce")
	token := common.HexToAddress("0x0000000000000000000000000000000000700ce")
	price := big.NewInt(100)

	sub, plan := eligiblePlanAndSub(1, 7, subscriber, token, price)
	backend.subs[1] = sub
	backend.plans[7] = plan
	backend.due[1] = true
	backend.allowance[subscriber] = big.NewInt(100)
	backend.balance[subscriber] = big.NewInt(100)

	c := newTestCollector(t, backend, 10, 4, 50*time.Millisecond)

	outcome := c.CollectDue(context.Background(), []uint64{1})

	if outcome.Stats.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", outcome.Stats.Sent)
	}
	if outcome.Stats.Pending != 1 {
		t.Fatalf("Pending = %d, want 1", outcome.Stats.Pending)
	}
	if outcome.Stats.Failed != 0 || outcome.Stats.Succeeded != 0 {
		t.Fatalf("stats = %+v, want no failed/succeeded, only pending", outcome.Stats)
	}
	if len(outcome.Pending) != 1 || outcome.Pending[0].ID != 1 {
		t.Fatalf("Pending = %+v, want one entry for id 1", outcome.Pending)
	}
}
