package keeper

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChainClient is a minimal in-memory ChainClient for tests, grounded
// on the "dynamic dispatch over provider types" design note: production
// code depends on the ChainClient interface, never *ethclient.Client
// directly, so a fake can stand in without a live node.
type fakeChainClient struct {
	chainID     *big.Int
	blockNumber uint64
	code        map[common.Address][]byte

	logs      []types.Log
	filterErr error

	receipts   map[common.Hash]*types.Receipt
	pendingNonce uint64
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		chainID:  big.NewInt(1),
		code:     make(map[common.Address][]byte),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChainClient) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) { return f.blockNumber, nil }

func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChainClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeChainClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.blockNumber))}, nil
}

func (f *fakeChainClient) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChainClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChainClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (f *fakeChainClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	from := query.FromBlock.Uint64()
	to := query.ToBlock.Uint64()
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeChainClient) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

var _ ChainClient = (*fakeChainClient)(nil)
