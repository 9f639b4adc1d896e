// Command opensub-keeper runs the collection daemon: it scans for
// subscriptions, reconciles in-flight transactions, and submits collect()
// calls for everything due, on a fixed interval.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/w-woloszyn/opensub/contracts"
	"github.com/w-woloszyn/opensub/deployment"
	"github.com/w-woloszyn/opensub/internal/cliutil"
	"github.com/w-woloszyn/opensub/keeper"
)

const flagCategory = "KEEPER"

var (
	deploymentFlag = &cli.StringFlag{
		Name:     "deployment",
		Usage:    "Path to the deployment artifact JSON",
		Required: true,
		Category: cliutil.ChainFlagCategory,
	}
	rpcFlag = &cli.StringFlag{
		Name:     "rpc",
		Usage:    "RPC endpoint URL, overriding the deployment artifact",
		Category: cliutil.ChainFlagCategory,
	}
	rpcEnvVarFlag = &cli.StringFlag{
		Name:     "rpc-env-var",
		Usage:    "Environment variable holding the RPC URL, checked before the deployment artifact",
		Category: cliutil.ChainFlagCategory,
	}
	stateFlag = &cli.StringFlag{
		Name:     "state",
		Usage:    "Path to the keeper's persistent state JSON file",
		Value:    "keeper-state.json",
		Category: flagCategory,
	}
	privateKeyEnvFlag = &cli.StringFlag{
		Name:     "private-key-env",
		Usage:    "Environment variable holding the collector's signing key",
		Value:    "KEEPER_PRIVATE_KEY",
		Category: flagCategory,
	}
	pollIntervalFlag = &cli.DurationFlag{
		Name:     "poll-interval",
		Usage:    "Time between keeper cycles",
		Value:    30 * time.Second,
		Category: flagCategory,
	}
	confirmationsFlag = &cli.Uint64Flag{
		Name:     "confirmations",
		Usage:    "Blocks to hold back from head before scanning is considered safe",
		Value:    2,
		Category: flagCategory,
	}
	logChunkFlag = &cli.Uint64Flag{
		Name:     "log-chunk-size",
		Usage:    "Initial block range window for log scanning",
		Value:    2000,
		Category: flagCategory,
	}
	maxConcurrencyFlag = &cli.IntFlag{
		Name:     "max-concurrency",
		Usage:    "Maximum number of per-subscription pipelines running concurrently",
		Value:    10,
		Category: flagCategory,
	}
	maxTxsPerCycleFlag = &cli.Uint64Flag{
		Name:     "max-txs-per-cycle",
		Usage:    "Maximum number of collect transactions submitted in one cycle",
		Value:    25,
		Category: flagCategory,
	}
	txTimeoutFlag = &cli.DurationFlag{
		Name:     "tx-timeout",
		Usage:    "How long to wait for a submitted transaction's receipt before treating it as pending",
		Value:    120 * time.Second,
		Category: flagCategory,
	}
	pendingTTLFlag = &cli.DurationFlag{
		Name:     "pending-ttl",
		Usage:    "How long an in-flight transaction is tracked before being dropped unresolved",
		Value:    900 * time.Second,
		Category: flagCategory,
	}
	backoffBaseFlag = &cli.Uint64Flag{
		Name:     "backoff-base-seconds",
		Usage:    "Base backoff duration for a generic operational failure",
		Value:    300,
		Category: flagCategory,
	}
	backoffMaxFlag = &cli.Uint64Flag{
		Name:     "backoff-max-seconds",
		Usage:    "Ceiling on any computed backoff duration",
		Value:    21600,
		Category: flagCategory,
	}
	planInactiveBackoffFlag = &cli.Uint64Flag{
		Name:     "plan-inactive-backoff-seconds",
		Usage:    "Base backoff duration when a subscription's plan is inactive",
		Value:    1800,
		Category: flagCategory,
	}
	rpcErrorBackoffFlag = &cli.Uint64Flag{
		Name:     "rpc-error-backoff-seconds",
		Usage:    "Base backoff duration following an RPC-level failure",
		Value:    30,
		Category: flagCategory,
	}
	jitterFlag = &cli.Uint64Flag{
		Name:     "jitter-seconds",
		Usage:    "Deterministic per-id jitter added to computed backoff",
		Value:    30,
		Category: flagCategory,
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:     "gas-limit",
		Usage:    "Fixed gas limit override for collect transactions (0 lets the signer estimate)",
		Category: flagCategory,
	}
	ignoreBackoffFlag = &cli.BoolFlag{
		Name:     "ignore-backoff",
		Usage:    "Ignore each id's backoff window; for debugging only",
		Category: flagCategory,
	}
	forcePendingFlag = &cli.BoolFlag{
		Name:     "force-pending",
		Usage:    "Never wait for a receipt after submitting; always record the send as pending",
		Category: flagCategory,
	}
	onceFlag = &cli.BoolFlag{
		Name:     "once",
		Usage:    "Run a single cycle and exit instead of looping",
		Category: flagCategory,
	}
	dryRunFlag = &cli.BoolFlag{
		Name:     "dry-run",
		Usage:    "Scan and evaluate candidates but never submit; only scan progress is persisted",
		Category: flagCategory,
	}
	simulateFlag = &cli.BoolFlag{
		Name:     "simulate",
		Usage:    "eth_call collect() before submitting it, to catch an on-chain revert early",
		Category: flagCategory,
	}
)

func main() {
	app := &cli.App{
		Name:  "opensub-keeper",
		Usage: "automated ERC-20 subscription collection daemon",
		Flags: []cli.Flag{
			deploymentFlag, rpcFlag, rpcEnvVarFlag, stateFlag, privateKeyEnvFlag,
			pollIntervalFlag, confirmationsFlag, logChunkFlag, maxConcurrencyFlag,
			maxTxsPerCycleFlag, txTimeoutFlag, pendingTTLFlag,
			backoffBaseFlag, backoffMaxFlag, planInactiveBackoffFlag, rpcErrorBackoffFlag, jitterFlag,
			gasLimitFlag, ignoreBackoffFlag, forcePendingFlag, onceFlag, dryRunFlag, simulateFlag,
			cliutil.LogJSONFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("opensub-keeper exiting", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cliutil.SetupLogging(c)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	warnBackoffSanity(cfg)

	artifact, err := deployment.Load(c.String(deploymentFlag.Name))
	if err != nil {
		return err
	}
	rpcURL, err := artifact.ResolveRPC(c.String(rpcFlag.Name), c.String(rpcEnvVarFlag.Name))
	if err != nil {
		return err
	}
	cfg.ChainID = artifact.ChainID
	cfg.ContractAddr = common.HexToAddress(artifact.OpenSub)
	cfg.StartBlock = artifact.StartBlock

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := cliutil.DialChain(ctx, rpcURL, artifact.ChainID)
	if err != nil {
		return err
	}
	contractAddr := cfg.ContractAddr
	if err := cliutil.RequireContractCode(ctx, client, contractAddr); err != nil {
		return err
	}

	privateKeyEnv := c.String(privateKeyEnvFlag.Name)
	privateKeyHex := os.Getenv(privateKeyEnv)
	if privateKeyHex == "" {
		return fmt.Errorf("missing signing key: set %s", privateKeyEnv)
	}
	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", privateKeyEnv, err)
	}
	from := crypto.PubkeyToAddress(privateKey.PublicKey)

	chainIDBig, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("eth_chainId: %w", err)
	}
	transactOpts, err := bind.NewKeyedTransactorWithChainID(privateKey, chainIDBig)
	if err != nil {
		return fmt.Errorf("building transactor: %w", err)
	}

	statePath := c.String(stateFlag.Name)
	lock, err := keeper.AcquireLock(statePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release keeper lock", "err", err)
		}
	}()

	state, err := keeper.LoadOrInit(statePath, artifact.StartBlock)
	if err != nil {
		return err
	}

	openSub := contracts.NewOpenSub(contractAddr, client)

	collector := &keeper.Collector{
		Client:         client,
		Contract:       openSub,
		From:           from,
		TransactOpts:   transactOpts,
		Nonces:         &keeper.NonceManager{},
		MaxConcurrency: cfg.MaxConcurrency,
		MaxTxsPerCycle: cfg.MaxTxsPerCycle,
		TxTimeout:      cfg.TxTimeout,
		GasLimit:       cfg.GasLimit,
		ForcePending:   cfg.ForcePending,
		Simulate:       cfg.Simulate,
		DryRun:         cfg.DryRun,
	}

	k := &keeper.Keeper{
		Client:    client,
		Contract:  openSub,
		State:     state,
		Config:    cfg,
		Collector: collector,
	}

	log.Info("starting opensub-keeper", "contract", contractAddr, "chainId", artifact.ChainID, "from", from, "once", cfg.Once, "dryRun", cfg.DryRun)
	return k.Run(ctx)
}

func loadConfig(c *cli.Context) (keeper.Config, error) {
	var gasLimit *uint64
	if v := c.Uint64(gasLimitFlag.Name); v > 0 {
		gasLimit = &v
	}

	cfg := keeper.Config{
		Confirmations:  c.Uint64(confirmationsFlag.Name),
		LogChunkSize:   c.Uint64(logChunkFlag.Name),
		MaxConcurrency: c.Int(maxConcurrencyFlag.Name),
		MaxTxsPerCycle: c.Uint64(maxTxsPerCycleFlag.Name),
		TxTimeout:      c.Duration(txTimeoutFlag.Name),
		PendingTTL:     c.Duration(pendingTTLFlag.Name),
		PollInterval:   c.Duration(pollIntervalFlag.Name),
		GasLimit:       gasLimit,
		Backoff: keeper.BackoffConfig{
			BackoffBase:         c.Uint64(backoffBaseFlag.Name),
			BackoffMax:          c.Uint64(backoffMaxFlag.Name),
			PlanInactiveBackoff: c.Uint64(planInactiveBackoffFlag.Name),
			RPCErrorBackoff:     c.Uint64(rpcErrorBackoffFlag.Name),
			JitterSeconds:       c.Uint64(jitterFlag.Name),
		},
		Once:          c.Bool(onceFlag.Name),
		DryRun:        c.Bool(dryRunFlag.Name),
		IgnoreBackoff: c.Bool(ignoreBackoffFlag.Name),
		ForcePending:  c.Bool(forcePendingFlag.Name),
		Simulate:      c.Bool(simulateFlag.Name),
	}
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = time.Second
	}
	return cfg, nil
}

// warnBackoffSanity flags a backoff configuration that is technically
// valid but almost certainly a typo: a base that already exceeds the
// ceiling it's supposed to be clamped by.
func warnBackoffSanity(cfg keeper.Config) {
	if cfg.Backoff.BackoffBase > cfg.Backoff.BackoffMax {
		log.Warn("backoff-base-seconds exceeds backoff-max-seconds; every backoff will clamp to the max", "base", cfg.Backoff.BackoffBase, "max", cfg.Backoff.BackoffMax)
	}
	if cfg.Backoff.PlanInactiveBackoff > cfg.Backoff.BackoffMax {
		log.Warn("plan-inactive-backoff-seconds exceeds backoff-max-seconds; every backoff will clamp to the max", "planInactiveBackoff", cfg.Backoff.PlanInactiveBackoff, "max", cfg.Backoff.BackoffMax)
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
