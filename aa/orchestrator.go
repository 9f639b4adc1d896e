package aa

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/w-woloszyn/opensub/contracts"
)

// Backend is the capability set the AA orchestrator needs from an RPC
// client: contract calls/sends plus chain identity, satisfied by both
// *ethclient.Client and test fakes.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// StdoutMode selects which machine-readable value (if any) a command
// prints to stdout; all human-readable progress always goes to stderr so
// scripts can capture the scalar or JSON object cleanly.
type StdoutMode int

const (
	StdoutNormal StdoutMode = iota
	StdoutJSON
	StdoutOwnerEnvPath
	StdoutOwnerAddress
	StdoutSmartAccountAddress
)

// ResolveStdoutMode enforces that the four machine-output flags are
// mutually exclusive and that --print-owner-env-path only makes sense
// alongside --new-owner.
func ResolveStdoutMode(printOwnerEnvPath, printOwner, printSmartAccount, jsonMode, newOwner bool) (StdoutMode, error) {
	set := 0
	for _, b := range []bool{printOwnerEnvPath, printOwner, printSmartAccount, jsonMode} {
		if b {
			set++
		}
	}
	if set > 1 {
		return StdoutNormal, fmt.Errorf("--print-owner-env-path, --print-owner, --print-smart-account, and --json are mutually exclusive")
	}

	switch {
	case printOwnerEnvPath:
		if !newOwner {
			return StdoutNormal, fmt.Errorf("--print-owner-env-path requires --new-owner")
		}
		return StdoutOwnerEnvPath, nil
	case printOwner:
		return StdoutOwnerAddress, nil
	case printSmartAccount:
		return StdoutSmartAccountAddress, nil
	case jsonMode:
		return StdoutJSON, nil
	default:
		return StdoutNormal, nil
	}
}

// ComputeAccountAddress derives the counterfactual CREATE2 smart-account
// address for (owner, salt) and reports whether it is already deployed.
func ComputeAccountAddress(ctx context.Context, factory *contracts.AccountFactory, backend Backend, owner common.Address, salt *big.Int) (account common.Address, deployed bool, err error) {
	account, err = factory.GetAddress(&bind.CallOpts{Context: ctx}, owner, salt)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("factory.getAddress: %w", err)
	}
	code, err := backend.CodeAt(ctx, account, nil)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("eth_getCode: %w", err)
	}
	return account, len(code) > 0, nil
}

// ValidatePlan reads plans(planID) from openSub and fails fast if the
// plan's token doesn't match the deployment's configured token, or if the
// plan is inactive.
func ValidatePlan(ctx context.Context, openSub *contracts.OpenSub, planID uint64, expectedToken common.Address) (contracts.Plan, error) {
	plan, err := openSub.Plans(&bind.CallOpts{Context: ctx}, planID)
	if err != nil {
		return contracts.Plan{}, fmt.Errorf("plans(%d): %w", planID, err)
	}
	if plan.Token != expectedToken {
		return contracts.Plan{}, fmt.Errorf("deployment token %s does not match OpenSub plan token %s", expectedToken, plan.Token)
	}
	if !plan.Active {
		return contracts.Plan{}, fmt.Errorf("plan %d is inactive on-chain", planID)
	}
	return plan, nil
}

// FundAccountETH sends amountWei of plain ETH from owner to account, used
// to cover a userOp's prefund when no paymaster sponsors gas. A zero
// amount is a no-op.
func FundAccountETH(ctx context.Context, backend Backend, owner *ecdsa.PrivateKey, account common.Address, amountWei *big.Int) error {
	if amountWei == nil || amountWei.Sign() == 0 {
		return nil
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chainID: %w", err)
	}
	from := crypto.PubkeyToAddress(owner.PublicKey)
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("pendingNonceAt: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggestGasPrice: %w", err)
	}

	tx := types.NewTransaction(nonce, account, amountWei, 21000, gasPrice, nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), owner)
	if err != nil {
		return fmt.Errorf("sign funding tx: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send funding tx: %w", err)
	}

	log.Info("funded smart account", "account", account, "weiSent", amountWei)
	return nil
}

// SendUserOpArgs configures a single BuildUserOpPayload+sign+estimate+send
// run. GasMultiplierBps is clamped to a minimum of 1 (0.01% of the suggested
// gas price); it is not defaulted to 10000 (1x).
type SendUserOpArgs struct {
	EntryPoint       *contracts.EntryPoint
	Bundler          *BundlerClient
	Paymaster        *PaymasterClient // nil unless sponsoring
	PolicyID         string
	WebhookData      string
	GasMultiplierBps uint64
	DryRun           bool
	NoWait           bool
	MaxWaitSeconds   uint64
}

// SendUserOpResult carries the final signed userOp and, when a receipt was
// observed, its raw JSON.
type SendUserOpResult struct {
	UserOpHash common.Hash
	Op         *UserOperation
	Receipt    []byte // raw JSON, nil if not awaited or dry-run
}

// SendUserOp runs the full build->sign->estimate->sponsor->resign->submit->
// poll pipeline described in spec.md §4.7 for a userOp already assembled
// via BuildUserOpPayload.
func SendUserOp(ctx context.Context, backend Backend, owner *ecdsa.PrivateKey, account common.Address, callData, initCode []byte, nonce *big.Int, args SendUserOpArgs) (SendUserOpResult, error) {
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return SendUserOpResult{}, fmt.Errorf("suggestGasPrice: %w", err)
	}
	bps := args.GasMultiplierBps
	if bps < 1 {
		bps = 1
	}
	maxPriorityFeePerGas := new(big.Int).Div(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(bps)), big.NewInt(10000))
	maxFeePerGas := new(big.Int).Set(maxPriorityFeePerGas)
	if bps != 10000 {
		log.Info("gas multiplier applied", "bps", bps, "maxFeePerGas", maxFeePerGas, "maxPriorityFeePerGas", maxPriorityFeePerGas)
	}

	op := &UserOperation{
		Sender:               account,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(0),
		PreVerificationGas:   big.NewInt(0),
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
		PaymasterAndData:     nil,
		Signature:            placeholderSignature(),
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return SendUserOpResult{}, fmt.Errorf("chainID: %w", err)
	}

	pmCtx := PaymasterContext{PolicyID: args.PolicyID, WebhookData: args.WebhookData}

	if args.Paymaster != nil {
		log.Info("requesting paymaster stub data (pm_getPaymasterStubData)")
		stub, err := args.Paymaster.GetPaymasterStubData(ctx, op, args.EntryPoint.Address(), chainID.Uint64(), pmCtx)
		if err != nil {
			return SendUserOpResult{}, fmt.Errorf("pm_getPaymasterStubData: %w", err)
		}
		op.PaymasterAndData = stub
	}

	if _, err := SignUserOp(ctx, args.EntryPoint, op, owner); err != nil {
		return SendUserOpResult{}, fmt.Errorf("sign userOp for estimation: %w", err)
	}

	est, err := args.Bundler.EstimateUserOperationGas(ctx, op, args.EntryPoint.Address())
	if err != nil {
		return SendUserOpResult{}, fmt.Errorf("bundler gas estimate failed: %w", err)
	}
	op.CallGasLimit = est.CallGasLimit
	op.VerificationGasLimit = est.VerificationGasLimit
	op.PreVerificationGas = est.PreVerificationGas

	if args.Paymaster != nil {
		log.Info("requesting paymaster final data (pm_getPaymasterData)")
		final, err := args.Paymaster.GetPaymasterData(ctx, op, args.EntryPoint.Address(), chainID.Uint64(), pmCtx)
		if err != nil {
			return SendUserOpResult{}, fmt.Errorf("pm_getPaymasterData: %w", err)
		}
		op.PaymasterAndData = final
	}

	if _, err := SignUserOp(ctx, args.EntryPoint, op, owner); err != nil {
		return SendUserOpResult{}, fmt.Errorf("re-sign userOp: %w", err)
	}

	if args.DryRun {
		log.Info("dry-run set: not sending user operation")
		return SendUserOpResult{Op: op}, nil
	}

	userOpHash, err := args.Bundler.SendUserOperation(ctx, op, args.EntryPoint.Address())
	if err != nil {
		return SendUserOpResult{}, fmt.Errorf("bundler send failed: %w", err)
	}
	log.Info("submitted userOperation", "userOpHash", userOpHash)

	if args.NoWait {
		return SendUserOpResult{UserOpHash: userOpHash, Op: op}, nil
	}

	receipt, err := args.Bundler.WaitUserOperationReceipt(ctx, userOpHash, time.Duration(args.MaxWaitSeconds)*time.Second)
	if err != nil {
		return SendUserOpResult{}, fmt.Errorf("failed waiting for userOp receipt: %w", err)
	}

	return SendUserOpResult{UserOpHash: userOpHash, Op: op, Receipt: receipt}, nil
}
