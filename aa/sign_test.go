package aa

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w-woloszyn/opensub/contracts"
)

func TestSignUserOp_SignatureRecoversOwnerAddress(t *testing.T) {
	backend := newFakeBackend()
	entryPoint := contracts.NewEntryPoint(common.HexToAddress("0x00000000000000000000000000000000e27001"), backend)

	owner, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)

	op := &UserOperation{
		Sender:               common.HexToAddress("0x000000000000000000000000000000000000ac"),
		Nonce:                big.NewInt(1),
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
		Signature:            placeholderSignature(),
	}
	// SignUserOp hashes whatever signature bytes are already on op (the
	// placeholder), then overwrites op.Signature in place; capture the
	// pre-sign bytes so the hash can be recomputed identically below.
	unsignedSignature := append([]byte(nil), op.Signature...)

	sig, err := SignUserOp(context.Background(), entryPoint, op, owner)
	if err != nil {
		t.Fatalf("SignUserOp: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("recovery id = %d, want 27 or 28", sig[64])
	}
	if !bytes.Equal(op.Signature, sig) {
		t.Fatalf("SignUserOp did not update op.Signature in place")
	}

	unsignedOp := *op
	unsignedOp.Signature = unsignedSignature
	hash, err := entryPoint.GetUserOpHash(&bind.CallOpts{Context: context.Background()}, unsignedOp.AsTuple())
	if err != nil {
		t.Fatalf("GetUserOpHash: %v", err)
	}
	digest := accounts.TextHash(hash.Bytes())

	recoverSig := append([]byte(nil), sig...)
	recoverSig[64] -= 27
	pub, err := crypto.SigToPub(digest, recoverSig)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != ownerAddr {
		t.Fatalf("recovered signer = %s, want %s", recovered, ownerAddr)
	}
}
