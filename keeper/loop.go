package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/w-woloszyn/opensub/contracts"
)

// Config holds every tunable the keeper loop needs, populated from CLI
// flags/environment by cmd/opensub-keeper.
type Config struct {
	ChainID        uint64
	ContractAddr   common.Address
	StartBlock     uint64
	Confirmations  uint64
	LogChunkSize   uint64
	MaxConcurrency int
	MaxTxsPerCycle uint64
	TxTimeout      time.Duration
	PendingTTL     time.Duration
	PollInterval   time.Duration
	GasLimit       *uint64

	Backoff BackoffConfig

	Once          bool
	DryRun        bool
	IgnoreBackoff bool
	ForcePending  bool
	Simulate      bool
}

// Keeper orchestrates reconcile -> scan -> filter -> collect -> persist on
// a fixed interval. Its State is owned exclusively by this loop; nothing
// else in the process mutates it concurrently, which is why State needs no
// internal locking of its own.
type Keeper struct {
	Client    ChainClient
	Contract  *contracts.OpenSub
	State     *State
	Config    Config
	Collector *Collector
}

// CheckChainReadiness verifies the RPC endpoint agrees with the
// deployment's chain id and that the target contract has code deployed.
// It must be called once before Run enters its loop; either failure is
// fatal and the process should abort rather than run against the wrong
// chain or a non-existent contract.
func CheckChainReadiness(ctx context.Context, client ChainClient, wantChainID uint64, contractAddr common.Address) error {
	gotChainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetching chain id: %w", err)
	}
	if gotChainID.Uint64() != wantChainID {
		return fmt.Errorf("chain id mismatch: RPC reports %s, deployment expects %d", gotChainID, wantChainID)
	}
	code, err := client.CodeAt(ctx, contractAddr, nil)
	if err != nil {
		return fmt.Errorf("fetching contract code at %s: %w", contractAddr, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract code at %s on chain %d", contractAddr, wantChainID)
	}
	return nil
}

// Run executes reconcile/scan/collect/persist cycles until ctx is
// cancelled or, with Config.Once set, after a single cycle.
func (k *Keeper) Run(ctx context.Context) error {
	if err := CheckChainReadiness(ctx, k.Client, k.Config.ChainID, k.Config.ContractAddr); err != nil {
		return err
	}

	for {
		if err := k.tick(ctx); err != nil {
			return err
		}
		if k.Config.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.Config.PollInterval):
		}
	}
}

func (k *Keeper) tick(ctx context.Context) error {
	now := uint64(time.Now().Unix())

	reconciled := ReconcileInFlight(ctx, k.Client, k.State, uint64(k.Config.PendingTTL.Seconds()), now)
	if !k.Config.DryRun && (len(reconciled.FinalizedSuccess) > 0 || len(reconciled.FinalizedRevert) > 0) {
		for _, id := range reconciled.FinalizedSuccess {
			k.State.NoteSuccess(id)
		}
		for _, id := range reconciled.FinalizedRevert {
			k.noteBackoffFailure(id, FailureMinedRevert, "transaction mined with status 0", now)
		}
		if err := k.State.Save(); err != nil {
			return err
		}
	}

	if _, err := ScanNewSubscriptions(ctx, k.Client, k.Config.ContractAddr, k.Config.StartBlock, k.Config.Confirmations, k.Config.LogChunkSize, k.State); err != nil {
		log.Error("scan cycle failed, will retry next tick", "err", err)
	}

	candidates := k.buildCandidates(now)
	outcome := k.Collector.CollectDue(ctx, candidates)

	if !k.Config.DryRun {
		for _, p := range outcome.Pending {
			k.State.MarkInFlight(p.ID, p.TxHash, p.SentAt)
		}
		for _, id := range outcome.Successes {
			k.State.NoteSuccess(id)
		}
		for _, f := range outcome.Failures {
			k.noteBackoffFailure(f.ID, f.Kind, f.Reason, now)
		}
		if err := k.State.Save(); err != nil {
			return err
		}
	}

	log.Info("keeper cycle complete",
		"checked", outcome.Stats.Checked, "due", outcome.Stats.Due, "sent", outcome.Stats.Sent,
		"succeeded", outcome.Stats.Succeeded, "failed", outcome.Stats.Failed,
		"precheckFailed", outcome.Stats.PrecheckFailed, "throttled", outcome.Stats.Throttled,
		"pending", outcome.Stats.Pending)

	return nil
}

// buildCandidates walks subscriptionIds in order, skipping ids currently
// in-flight or (unless IgnoreBackoff) still inside their backoff window.
func (k *Keeper) buildCandidates(now uint64) []uint64 {
	candidates := make([]uint64, 0, len(k.State.SubscriptionIDs))
	for _, id := range k.State.SubscriptionIDs {
		if _, inFlight := k.State.InFlight[id]; inFlight {
			continue
		}
		if !k.Config.IgnoreBackoff && k.State.ShouldSkipDueToBackoff(id, now) {
			continue
		}
		candidates = append(candidates, id)
	}
	return candidates
}

func (k *Keeper) noteBackoffFailure(id uint64, kind FailureKind, reason string, now uint64) {
	consecutive := k.State.Retries[id].ConsecutiveFailures + 1
	backoff := ComputeBackoffSeconds(k.Config.Backoff, kind, consecutive, id)
	k.State.NoteFailure(id, kind, now+backoff, reason)
}
