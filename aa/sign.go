package aa

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w-woloszyn/opensub/contracts"
)

// SignUserOp computes op's canonical hash by calling the on-chain
// EntryPoint (never reimplemented locally, so the signature always agrees
// with the bundler's own view of the hash) and signs it as an
// Ethereum-signed-message with owner. It overwrites op.Signature in place
// and also returns it.
func SignUserOp(ctx context.Context, entryPoint *contracts.EntryPoint, op *UserOperation, owner *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := entryPoint.GetUserOpHash(&bind.CallOpts{Context: ctx}, op.AsTuple())
	if err != nil {
		return nil, fmt.Errorf("getUserOpHash: %w", err)
	}

	digest := accounts.TextHash(hash.Bytes())
	sig, err := crypto.Sign(digest, owner)
	if err != nil {
		return nil, fmt.Errorf("sign userOp hash: %w", err)
	}
	// crypto.Sign returns a recovery id in sig[64] of 0 or 1; Ethereum's
	// signed-message convention expects 27/28.
	sig[64] += 27

	op.Signature = sig
	return sig, nil
}
