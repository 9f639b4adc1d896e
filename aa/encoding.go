package aa

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// fmtAddress renders an address as the lowercase 0x-prefixed hex string
// bundlers and paymasters expect in JSON-RPC params.
func fmtAddress(a common.Address) string {
	return "0x" + hex.EncodeToString(a.Bytes())
}

// fmtHash renders a 32-byte hash the same way.
func fmtHash(h common.Hash) string {
	return "0x" + hex.EncodeToString(h.Bytes())
}

// fmtBytes renders an opaque byte string, "0x" for empty.
func fmtBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// fmtQuantity is the JSON-RPC "quantity" encoding: "0x0" for zero, otherwise
// hex with no leading zeros.
func fmtQuantity(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// parseQuantity is the inverse of fmtQuantity.
func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

// parseHash parses a 0x-prefixed 32-byte hex hash.
func parseHash(s string) (common.Hash, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hex hash: %w", err)
	}
	if len(b) != 32 {
		return common.Hash{}, fmt.Errorf("expected 32-byte hex, got %d bytes", len(b))
	}
	return common.BytesToHash(b), nil
}

// parseHexBytes parses a 0x-prefixed opaque byte string.
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytes: %w", err)
	}
	return b, nil
}

// userOpToJSON renders op as the JSON object bundlers and paymasters expect
// as the first positional RPC param.
func userOpToJSON(op *UserOperation) json.RawMessage {
	obj := map[string]string{
		"sender":               fmtAddress(op.Sender),
		"nonce":                fmtQuantity(op.Nonce),
		"initCode":             fmtBytes(op.InitCode),
		"callData":             fmtBytes(op.CallData),
		"callGasLimit":         fmtQuantity(op.CallGasLimit),
		"verificationGasLimit": fmtQuantity(op.VerificationGasLimit),
		"preVerificationGas":   fmtQuantity(op.PreVerificationGas),
		"maxFeePerGas":         fmtQuantity(op.MaxFeePerGas),
		"maxPriorityFeePerGas": fmtQuantity(op.MaxPriorityFeePerGas),
		"paymasterAndData":     fmtBytes(op.PaymasterAndData),
		"signature":            fmtBytes(op.Signature),
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		// obj is a map[string]string built entirely from this function's own
		// output; it is always marshalable.
		panic(err)
	}
	return raw
}
