package keeper

import (
	"context"
	"math/big"
	"sort"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

var subscribedTopic0 = crypto.Keccak256Hash([]byte("Subscribed(uint256,uint256,address,uint40,uint40)"))

var scanRetryDelays = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

const minScanChunk = 10

var maxSubscriptionID = new(big.Int).SetUint64(^uint64(0))

// ScanNewSubscriptions walks [start, target] in windows of chunkSize
// blocks, extracting Subscribed event subscription ids. It returns the
// count of newly discovered ids. state.LastScannedBlock (and the state
// file) advance after every successfully scanned window, not just at the
// end of the call, so a mid-scan crash loses at most one window.
func ScanNewSubscriptions(ctx context.Context, client ChainClient, contractAddr common.Address, startBlock, confirmations, chunkSize uint64, state *State) (int, error) {
	latest, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	var target uint64
	if latest > confirmations {
		target = latest - confirmations
	}

	start := state.LastScannedBlock + 1
	if startBlock > start {
		start = startBlock
	}
	if start > target {
		return 0, nil
	}

	chunk := chunkSize
	if chunk < 1 {
		chunk = 1
	}

	found := 0
	window := start
	for window <= target {
		end := window + chunk - 1
		if end > target {
			end = target
		}

		logs, err := fetchLogsWithRetries(ctx, client, contractAddr, window, end)
		if err != nil {
			if chunk > minScanChunk {
				chunk = chunk / 2
				if chunk < minScanChunk {
					chunk = minScanChunk
				}
				log.Warn("scan window failed, shrinking chunk and retrying", "from", window, "to", end, "newChunk", chunk, "err", err)
				continue
			}
			return found, err
		}

		for _, lg := range logs {
			if len(lg.Topics) < 2 {
				continue
			}
			id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
			if id.Cmp(maxSubscriptionID) > 0 {
				log.Warn("ignoring subscription id exceeding uint64 range", "raw", id.String())
				continue
			}
			if addIfAbsent(state, id.Uint64()) {
				found++
			}
		}

		state.LastScannedBlock = end
		if err := state.Save(); err != nil {
			return found, err
		}
		window = end + 1
	}

	return found, nil
}

func addIfAbsent(state *State, id uint64) bool {
	i := sort.Search(len(state.SubscriptionIDs), func(i int) bool { return state.SubscriptionIDs[i] >= id })
	if i < len(state.SubscriptionIDs) && state.SubscriptionIDs[i] == id {
		return false
	}
	state.AddID(id)
	return true
}

func fetchLogsWithRetries(ctx context.Context, client ChainClient, contractAddr common.Address, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contractAddr},
		Topics:    [][]common.Hash{{subscribedTopic0}},
	}

	var lastErr error
	for attempt := 0; attempt <= len(scanRetryDelays); attempt++ {
		logs, err := client.FilterLogs(ctx, q)
		if err == nil {
			return logs, nil
		}
		lastErr = err
		if attempt < len(scanRetryDelays) {
			time.Sleep(scanRetryDelays[attempt])
		}
	}
	return nil, lastErr
}
