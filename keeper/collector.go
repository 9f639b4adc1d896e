package keeper

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/w-woloszyn/opensub/contracts"
)

const receiptPollInterval = 1500 * time.Millisecond

// PendingTx is a collect transaction the collector submitted but whose
// fate (success or revert) was not observed before this cycle ended.
type PendingTx struct {
	ID     uint64
	TxHash string
	SentAt uint64
}

// FailureRecord attributes an operational failure encountered for id to a
// FailureKind, with a human-readable reason for the persisted retry entry.
type FailureRecord struct {
	ID     uint64
	Kind   FailureKind
	Reason string
}

// CollectStats are the per-cycle counters spec.md §4.4 mandates. Counts are
// exact; ordering between increments is unspecified.
type CollectStats struct {
	Checked        uint64
	Due            uint64
	Sent           uint64
	Succeeded      uint64
	Failed         uint64
	PrecheckFailed uint64
	Throttled      uint64
	Pending        uint64
}

type atomicStats struct {
	checked, due, sent, succeeded, failed, precheckFailed, throttled, pending atomic.Uint64
}

func (s *atomicStats) snapshot() CollectStats {
	return CollectStats{
		Checked:        s.checked.Load(),
		Due:            s.due.Load(),
		Sent:           s.sent.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		PrecheckFailed: s.precheckFailed.Load(),
		Throttled:      s.throttled.Load(),
		Pending:        s.pending.Load(),
	}
}

// CollectOutcome is collectDue's full result.
type CollectOutcome struct {
	Stats     CollectStats
	Pending   []PendingTx
	Successes []uint64
	Failures  []FailureRecord
}

// Collector runs the bounded-concurrency, budget-capped collect pipeline
// for a batch of subscription ids.
type Collector struct {
	Client   ChainClient
	Contract *contracts.OpenSub

	From         common.Address
	TransactOpts *bind.TransactOpts // template: Signer/From/chain-level knobs, Nonce overwritten per send
	Nonces       *NonceManager

	MaxConcurrency int
	MaxTxsPerCycle uint64
	TxTimeout      time.Duration
	GasLimit       *uint64 // optional fixed gas limit override
	ForcePending   bool
	Simulate       bool
	DryRun         bool
}

// CollectDue runs the per-id pipeline described in spec.md §4.4 for every
// id, with at most MaxConcurrency pipelines in flight and a process-wide
// submission budget of MaxTxsPerCycle.
//
// The budget is an atomic compare-and-decrement counter that is never
// replenished within the cycle: a failed send still consumes its budget
// slot. This is a deliberate safety property (a misbehaving RPC endpoint
// that always errors on send must not let the keeper retry-storm a wallet
// dry), not an oversight.
func (c *Collector) CollectDue(ctx context.Context, ids []uint64) CollectOutcome {
	stats := &atomicStats{}
	budget := new(atomic.Int64)
	budget.Store(int64(c.MaxTxsPerCycle))

	maxConcurrency := int64(c.MaxConcurrency)
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	sem := semaphore.NewWeighted(maxConcurrency)

	var (
		mu        sync.Mutex
		pending   []PendingTx
		successes []uint64
		failures  []FailureRecord
	)
	recordFailure := func(f FailureRecord) {
		mu.Lock()
		failures = append(failures, f)
		mu.Unlock()
		stats.failed.Add(1)
	}
	recordPrecheckFailure := func(f FailureRecord) {
		mu.Lock()
		failures = append(failures, f)
		mu.Unlock()
		stats.precheckFailed.Add(1)
	}
	recordPending := func(p PendingTx) {
		mu.Lock()
		pending = append(pending, p)
		mu.Unlock()
		stats.pending.Add(1)
	}
	recordSuccess := func(id uint64) {
		mu.Lock()
		successes = append(successes, id)
		mu.Unlock()
		stats.succeeded.Add(1)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.processOne(ctx, id, stats, budget, recordFailure, recordPrecheckFailure, recordPending, recordSuccess)
		}()
	}
	wg.Wait()

	return CollectOutcome{
		Stats:     stats.snapshot(),
		Pending:   pending,
		Successes: successes,
		Failures:  failures,
	}
}

func (c *Collector) processOne(
	ctx context.Context,
	id uint64,
	stats *atomicStats,
	budget *atomic.Int64,
	recordFailure func(FailureRecord),
	recordPrecheckFailure func(FailureRecord),
	recordPending func(PendingTx),
	recordSuccess func(uint64),
) {
	callOpts := &bind.CallOpts{Context: ctx}

	stats.checked.Add(1)
	due, err := c.Contract.IsDue(callOpts, id)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}
	if !due {
		return // not counted in due, not a failure
	}
	stats.due.Add(1)

	sub, err := c.Contract.Subscriptions(callOpts, id)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}
	if sub.Status != contracts.SubscriptionStatusActive {
		return // raced with an external cancel, silent skip
	}

	plan, err := c.Contract.Plans(callOpts, sub.PlanID)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}
	if !plan.Active {
		recordPrecheckFailure(FailureRecord{ID: id, Kind: FailurePlanInactive, Reason: "plan is inactive"})
		return
	}

	token := contracts.NewERC20(plan.Token, c.Client)
	allowance, err := token.Allowance(callOpts, sub.Subscriber, c.Contract.Address())
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}
	if allowance.Cmp(plan.Price) < 0 {
		recordPrecheckFailure(FailureRecord{ID: id, Kind: FailureInsufficientAllowance, Reason: "allowance below price"})
		return
	}

	balance, err := token.BalanceOf(callOpts, sub.Subscriber)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}
	if balance.Cmp(plan.Price) < 0 {
		recordPrecheckFailure(FailureRecord{ID: id, Kind: FailureInsufficientBalance, Reason: "balance below price"})
		return
	}

	if c.DryRun {
		log.Info("dry-run: would collect", "id", id, "subscriber", sub.Subscriber, "price", plan.Price)
		return
	}

	if budget.Load() <= 0 {
		stats.throttled.Add(1)
		return
	}

	if c.Simulate {
		calldata, err := c.Contract.PackCollect(id)
		if err != nil {
			recordPrecheckFailure(FailureRecord{ID: id, Kind: FailureSimulationRevert, Reason: err.Error()})
			return
		}
		addr := c.Contract.Address()
		_, err = c.Client.CallContract(ctx, ethereum.CallMsg{From: c.From, To: &addr, Data: calldata}, nil)
		if err != nil {
			recordPrecheckFailure(FailureRecord{ID: id, Kind: FailureSimulationRevert, Reason: err.Error()})
			return
		}
	}

	// Atomic compare-and-decrement: the only place budget is consumed, and
	// it is never refunded below, even if the send itself fails.
	if !decrementIfPositive(budget) {
		stats.throttled.Add(1)
		return
	}

	nonce, err := c.Nonces.Next(ctx, c.Client, c.From)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}

	opts := *c.TransactOpts
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	if c.GasLimit != nil {
		opts.GasLimit = *c.GasLimit
	}

	tx, err := c.Contract.Collect(&opts, id)
	stats.sent.Add(1)
	if err != nil {
		recordFailure(FailureRecord{ID: id, Kind: FailureRPCError, Reason: err.Error()})
		return
	}

	if c.ForcePending {
		recordPending(PendingTx{ID: id, TxHash: tx.Hash().Hex(), SentAt: uint64(time.Now().Unix())})
		return
	}

	receiptCtx, cancel := context.WithTimeout(ctx, c.TxTimeout)
	defer cancel()
	receipt, err := waitForReceipt(receiptCtx, c.Client, tx.Hash())
	switch {
	case err == nil && receipt.Status == 1:
		recordSuccess(id)
	case err == nil:
		recordFailure(FailureRecord{ID: id, Kind: FailureMinedRevert, Reason: "transaction mined with status 0"})
	default:
		// timeout, or a transient RPC error while polling: conservatively
		// treat as still-pending rather than guessing at the outcome.
		recordPending(PendingTx{ID: id, TxHash: tx.Hash().Hex(), SentAt: uint64(time.Now().Unix())})
	}
}

func decrementIfPositive(budget *atomic.Int64) bool {
	for {
		cur := budget.Load()
		if cur <= 0 {
			return false
		}
		if budget.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func waitForReceipt(ctx context.Context, client ChainClient, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
