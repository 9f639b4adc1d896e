package aa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const bundlerReceiptPollInterval = 1500 * time.Millisecond

// BundlerClient speaks the ERC-4337 bundler JSON-RPC surface: gas
// estimation, submission, and receipt polling. Response shapes vary across
// vendors, so every parse tries the spec form first, then documented vendor
// forms, then errors with the verbatim response for diagnostics.
type BundlerClient struct {
	client *rpc.Client
}

// DialBundler connects to the bundler's JSON-RPC endpoint.
func DialBundler(ctx context.Context, url string) (*BundlerClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler %s: %w", url, err)
	}
	return &BundlerClient{client: c}, nil
}

// EstimateUserOperationGas calls eth_estimateUserOperationGas.
func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (GasEstimates, error) {
	var raw json.RawMessage
	err := b.client.CallContext(ctx, &raw, "eth_estimateUserOperationGas", userOpToJSON(op), fmtAddress(entryPoint))
	if err != nil {
		return GasEstimates{}, fmt.Errorf("eth_estimateUserOperationGas: %w", err)
	}

	var fields struct {
		CallGasLimit         string `json:"callGasLimit"`
		VerificationGasLimit string `json:"verificationGasLimit"`
		PreVerificationGas   string `json:"preVerificationGas"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return GasEstimates{}, fmt.Errorf("eth_estimateUserOperationGas: malformed result %s: %w", raw, err)
	}

	callGasLimit, err := parseQuantity(fields.CallGasLimit)
	if err != nil {
		return GasEstimates{}, fmt.Errorf("callGasLimit: %w", err)
	}
	verificationGasLimit, err := parseQuantity(fields.VerificationGasLimit)
	if err != nil {
		return GasEstimates{}, fmt.Errorf("verificationGasLimit: %w", err)
	}
	preVerificationGas, err := parseQuantity(fields.PreVerificationGas)
	if err != nil {
		return GasEstimates{}, fmt.Errorf("preVerificationGas: %w", err)
	}

	return GasEstimates{
		CallGasLimit:         callGasLimit,
		VerificationGasLimit: verificationGasLimit,
		PreVerificationGas:   preVerificationGas,
	}, nil
}

// SendUserOperation calls eth_sendUserOperation and returns the userOp hash.
func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var raw json.RawMessage
	err := b.client.CallContext(ctx, &raw, "eth_sendUserOperation", userOpToJSON(op), fmtAddress(entryPoint))
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation: %w", err)
	}
	return parseUserOpHash(raw)
}

// parseUserOpHash accepts any of the shapes the spec and known vendors
// return: a bare hex string, {result}, {userOpHash}, or {userOperationHash}.
func parseUserOpHash(raw json.RawMessage) (common.Hash, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return parseHash(bare)
	}

	var wrapped struct {
		Result            string `json:"result"`
		UserOpHash        string `json:"userOpHash"`
		UserOperationHash string `json:"userOperationHash"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		switch {
		case wrapped.Result != "":
			return parseHash(wrapped.Result)
		case wrapped.UserOpHash != "":
			return parseHash(wrapped.UserOpHash)
		case wrapped.UserOperationHash != "":
			return parseHash(wrapped.UserOperationHash)
		}
	}

	return common.Hash{}, fmt.Errorf("unexpected eth_sendUserOperation result shape (expected string or {result|userOpHash|userOperationHash}): %s", raw)
}

// WaitUserOperationReceipt polls eth_getUserOperationReceipt every 1500ms
// until a non-null result arrives or timeout elapses. timeout of 0 disables
// the deadline. Transient RPC errors are logged and polling continues.
func (b *BundlerClient) WaitUserOperationReceipt(ctx context.Context, userOpHash common.Hash, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(bundlerReceiptPollInterval)
	defer ticker.Stop()

	for {
		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for userOp receipt after %s", timeout)
		}

		var raw json.RawMessage
		err := b.client.CallContext(ctx, &raw, "eth_getUserOperationReceipt", fmtHash(userOpHash))
		if err != nil {
			log.Warn("bundler receipt poll error", "err", err)
		} else if string(raw) != "null" && len(raw) > 0 {
			return raw, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
