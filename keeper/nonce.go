package keeper

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager serializes nonce allocation across the collector's
// concurrent per-id pipelines. It fetches the pending nonce once from the
// RPC endpoint and hands out successive values thereafter, playing the
// role the signer middleware's nonce manager plays in a sequential client:
// nonce management is delegated here rather than re-queried per send,
// which would race under concurrent submission.
type NonceManager struct {
	mu   sync.Mutex
	next *uint64
}

// Next returns the next nonce to use for from, fetching the starting
// point from the chain on first use.
func (n *NonceManager) Next(ctx context.Context, client ChainClient, from common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.next == nil {
		v, err := client.PendingNonceAt(ctx, from)
		if err != nil {
			return 0, err
		}
		n.next = &v
	}
	nonce := *n.next
	*n.next++
	return nonce, nil
}
