package keeper

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the capability set the keeper needs from an RPC provider,
// expressed as an interface per spec.md §9 ("dynamic dispatch over
// provider types") so production code can use *ethclient.Client while
// tests substitute an in-memory fake.
type ChainClient interface {
	bind.ContractBackend

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
