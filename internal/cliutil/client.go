// Package cliutil holds small helpers shared by the opensub-keeper and
// opensub-aa command-line entrypoints: chain dialing with a startup
// readiness check, and logging setup.
package cliutil

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// DialChain connects to rpcURL and verifies the reported chain id matches
// expectedChainID before returning. Both binaries require this check
// before doing anything that could burn gas against the wrong network.
func DialChain(ctx context.Context, rpcURL string, expectedChainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}

	gotChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	if gotChainID.Uint64() != expectedChainID {
		return nil, fmt.Errorf("chainId mismatch: deployment has %d, RPC returned %s", expectedChainID, gotChainID)
	}

	log.Info("connected to chain", "rpc", rpcURL, "chainId", gotChainID)
	return client, nil
}

// RequireContractCode fails with a descriptive error if address has no
// deployed bytecode, catching a misconfigured deployment artifact before
// the keeper loop starts spending RPC calls against it.
func RequireContractCode(ctx context.Context, client *ethclient.Client, address common.Address) error {
	code, err := client.CodeAt(ctx, address, nil)
	if err != nil {
		return fmt.Errorf("eth_getCode(%s): %w", address, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract code at %s", address)
	}
	return nil
}
