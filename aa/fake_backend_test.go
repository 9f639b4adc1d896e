package aa

import (
	"context"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeBackend is a minimal in-memory Backend for tests, grounded on the
// same "depend on the interface, not *ethclient.Client" pattern the keeper
// package's fakeChainClient uses. Its CallContract tells getNonce and
// getUserOpHash apart by calldata length: getNonce packs a fixed-size
// (address, uint192) pair into 68 bytes, while getUserOpHash packs a tuple
// containing dynamic bytes fields and is always longer.
type fakeBackend struct {
	mu sync.Mutex

	chainID    *big.Int
	code       map[common.Address][]byte
	nonceValue *big.Int
	gasPrice   *big.Int

	pendingNonce uint64
	sendErr      error
	sentTxs      []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:    big.NewInt(11155111),
		code:       make(map[common.Address][]byte),
		nonceValue: big.NewInt(0),
		gasPrice:   big.NewInt(1_000_000_000),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if len(call.Data) <= 68 {
		uint256Type, err := abi.NewType("uint256", "", nil)
		if err != nil {
			return nil, err
		}
		return abi.Arguments{{Type: uint256Type}}.Pack(f.nonceValue)
	}
	return crypto.Keccak256(call.Data), nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sentTxs = append(f.sentTxs, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

var _ Backend = (*fakeBackend)(nil)
