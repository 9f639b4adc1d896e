package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/w-woloszyn/opensub/contracts"
)

// zeroNonceKey is the EntryPoint v0.6 nonce key used for sequential
// per-account nonces; a nonzero key would select a parallel nonce channel,
// which this client never uses.
var zeroNonceKey = big.NewInt(0)

// BuildTargets is the set of batched calls a subscribe-path userOp routes
// through account.executeBatch. MintAmount is nil unless the demo-token
// --mint flow is in use.
type BuildTargets struct {
	Token         common.Address
	MintAmount    *big.Int // optional: demo token only
	Spender       common.Address
	ApproveAmount *big.Int
	OpenSub       common.Address
	PlanID        uint64
}

// BuildDeps bundles the bound contracts BuildUserOpPayload needs to read
// on-chain state.
type BuildDeps struct {
	EntryPoint *contracts.EntryPoint
	Factory    *contracts.AccountFactory
	Backend    bind.ContractBackend
}

// BuildUserOpPayload assembles (callData, initCode, nonce) for a userOp
// targeting account, owned by owner, deployed via factory with salt.
// callData is built from targets when non-nil (subscribe path, routed
// through executeBatch); otherwise singleTarget/singleCalldata describe a
// single-action path (cancel/resume/collect), routed through execute.
func BuildUserOpPayload(
	ctx context.Context,
	deps BuildDeps,
	account common.Address,
	owner common.Address,
	salt *big.Int,
	targets *BuildTargets,
	singleTarget common.Address,
	singleCalldata []byte,
) (callData, initCode []byte, nonce *big.Int, err error) {
	nonce, err = deps.EntryPoint.GetNonce(&bind.CallOpts{Context: ctx}, account, zeroNonceKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("getNonce: %w", err)
	}

	code, err := deps.Backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("codeAt(%s): %w", account, err)
	}
	if len(code) == 0 {
		createCalldata, err := deps.Factory.PackCreateAccount(owner, salt)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pack createAccount: %w", err)
		}
		initCode = append(deps.Factory.Address().Bytes(), createCalldata...)
	}

	if targets != nil {
		callData, err = buildSubscribeCallData(*targets)
		if err != nil {
			return nil, nil, nil, err
		}
		return callData, initCode, nonce, nil
	}

	callData, err = contracts.PackExecute(singleTarget, big.NewInt(0), singleCalldata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pack execute: %w", err)
	}
	return callData, initCode, nonce, nil
}

func buildSubscribeCallData(t BuildTargets) ([]byte, error) {
	targets := make([]common.Address, 0, 3)
	datas := make([][]byte, 0, 3)

	if t.MintAmount != nil {
		mintCalldata, err := contracts.ERC20ABI.Pack("mint", t.Token, t.MintAmount)
		if err != nil {
			return nil, fmt.Errorf("pack mint: %w", err)
		}
		targets = append(targets, t.Token)
		datas = append(datas, mintCalldata)
	}

	approveCalldata, err := contracts.ERC20ABI.Pack("approve", t.Spender, t.ApproveAmount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	targets = append(targets, t.Token)
	datas = append(datas, approveCalldata)

	subscribeCalldata, err := contracts.OpenSubABI.Pack("subscribe", new(big.Int).SetUint64(t.PlanID))
	if err != nil {
		return nil, fmt.Errorf("pack subscribe: %w", err)
	}
	targets = append(targets, t.OpenSub)
	datas = append(datas, subscribeCalldata)

	callData, err := contracts.PackExecuteBatch(targets, datas)
	if err != nil {
		return nil, fmt.Errorf("pack executeBatch: %w", err)
	}
	return callData, nil
}
