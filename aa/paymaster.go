package aa

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// PaymasterContext is the free-form ERC-7677 context object; WebhookData is
// Alchemy Gas Manager's vendor extension and is omitted when empty.
type PaymasterContext struct {
	PolicyID    string `json:"policyId"`
	WebhookData string `json:"webhookData,omitempty"`
}

// PaymasterClient speaks the ERC-7677 paymaster web-service RPC surface:
// pm_getPaymasterStubData and pm_getPaymasterData. Kept vendor-portable by
// implementing only the two spec methods.
type PaymasterClient struct {
	client *rpc.Client
}

// DialPaymaster connects to the paymaster's JSON-RPC endpoint.
func DialPaymaster(ctx context.Context, url string) (*PaymasterClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial paymaster %s: %w", url, err)
	}
	return &PaymasterClient{client: c}, nil
}

// GetPaymasterStubData calls pm_getPaymasterStubData.
func (p *PaymasterClient) GetPaymasterStubData(ctx context.Context, op *UserOperation, entryPoint common.Address, chainID uint64, pmCtx PaymasterContext) ([]byte, error) {
	raw, err := p.call(ctx, "pm_getPaymasterStubData", op, entryPoint, chainID, pmCtx)
	if err != nil {
		return nil, fmt.Errorf("pm_getPaymasterStubData: %w", err)
	}
	return parseV06PaymasterAndData(raw)
}

// GetPaymasterData calls pm_getPaymasterData.
func (p *PaymasterClient) GetPaymasterData(ctx context.Context, op *UserOperation, entryPoint common.Address, chainID uint64, pmCtx PaymasterContext) ([]byte, error) {
	raw, err := p.call(ctx, "pm_getPaymasterData", op, entryPoint, chainID, pmCtx)
	if err != nil {
		return nil, fmt.Errorf("pm_getPaymasterData: %w", err)
	}
	return parseV06PaymasterAndData(raw)
}

func (p *PaymasterClient) call(ctx context.Context, method string, op *UserOperation, entryPoint common.Address, chainID uint64, pmCtx PaymasterContext) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.client.CallContext(ctx, &raw, method,
		userOpToJSON(op),
		fmtAddress(entryPoint),
		fmtQuantity(new(big.Int).SetUint64(chainID)),
		pmCtx,
	)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// parseV06PaymasterAndData is shape-tolerant: ERC-7677 examples return v0.6
// data at the top level ({"paymasterAndData": "0x.."}); Alchemy Gas Manager
// wraps it under entrypointV06Response (or entryPointV06Response).
func parseV06PaymasterAndData(raw json.RawMessage) ([]byte, error) {
	var topLevel struct {
		PaymasterAndData string `json:"paymasterAndData"`
	}
	if err := json.Unmarshal(raw, &topLevel); err == nil && topLevel.PaymasterAndData != "" {
		return parseHexBytes(topLevel.PaymasterAndData)
	}

	var wrapped struct {
		EntrypointV06Response *struct {
			PaymasterAndData string `json:"paymasterAndData"`
		} `json:"entrypointV06Response"`
		EntryPointV06Response *struct {
			PaymasterAndData string `json:"paymasterAndData"`
		} `json:"entryPointV06Response"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.EntrypointV06Response != nil && wrapped.EntrypointV06Response.PaymasterAndData != "" {
			return parseHexBytes(wrapped.EntrypointV06Response.PaymasterAndData)
		}
		if wrapped.EntryPointV06Response != nil && wrapped.EntryPointV06Response.PaymasterAndData != "" {
			return parseHexBytes(wrapped.EntryPointV06Response.PaymasterAndData)
		}
	}

	return nil, fmt.Errorf("missing paymasterAndData (expected top-level paymasterAndData or entrypointV06Response.paymasterAndData): %s", raw)
}
