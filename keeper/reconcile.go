package keeper

import (
	"context"
	"errors"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ReconcileOutcome summarizes what happened to the snapshot of in-flight
// transactions a reconcile pass examined.
type ReconcileOutcome struct {
	Cleared          []uint64
	FinalizedSuccess []uint64
	FinalizedRevert  []uint64
}

// ReconcileInFlight resolves the fate of every currently in-flight
// transaction. ttlSeconds of 0 disables age-based expiry. now is a Unix
// second timestamp. The reconciler mutates state.InFlight directly
// (clearing resolved entries) but never touches state.Retries — the caller
// is responsible for translating FinalizedRevert into a noteFailure call
// and FinalizedSuccess into noteSuccess.
func ReconcileInFlight(ctx context.Context, client ChainClient, state *State, ttlSeconds, now uint64) ReconcileOutcome {
	var out ReconcileOutcome

	snapshot := make(map[uint64]InFlightTx, len(state.InFlight))
	for id, tx := range state.InFlight {
		snapshot[id] = tx
	}

	for id, tx := range snapshot {
		if ttlSeconds > 0 && now-tx.SentAt > ttlSeconds {
			delete(state.InFlight, id)
			out.Cleared = append(out.Cleared, id)
			continue
		}

		hash, err := parseTxHash(tx.TxHash)
		if err != nil {
			log.Warn("dropping in-flight entry with malformed tx hash", "id", id, "hash", tx.TxHash, "err", err)
			delete(state.InFlight, id)
			continue
		}

		receipt, err := client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			continue // not yet mined, retain
		}
		if err != nil {
			log.Warn("reconcile: receipt lookup failed, retaining in-flight entry", "id", id, "err", err)
			continue
		}

		delete(state.InFlight, id)
		if receipt.Status == 1 {
			out.FinalizedSuccess = append(out.FinalizedSuccess, id)
		} else {
			out.FinalizedRevert = append(out.FinalizedRevert, id)
		}
	}

	return out
}

func parseTxHash(s string) (common.Hash, error) {
	if len(s) != 66 || s[:2] != "0x" {
		return common.Hash{}, errors.New("malformed tx hash")
	}
	return common.HexToHash(s), nil
}
