package cliutil

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

// Flag categories, grouped the way cmd/utils groups geth's flags so
// `--help` output reads as sections rather than one flat list.
const (
	ChainFlagCategory   = "CHAIN"
	BundlerFlagCategory = "BUNDLER & PAYMASTER"
	OutputFlagCategory  = "OUTPUT"
	TxFlagCategory      = "TRANSACTION"
)

// LogJSONFlag toggles structured JSON logging; both binaries register it.
var LogJSONFlag = &cli.BoolFlag{
	Name:  "log.json",
	Usage: "Format console logs as JSON",
}

// SetupLogging wires the root logger per --log.json, mirroring how geth's
// flag packages configure the default handler before any other output is
// produced. All human-readable logs go to stderr so stdout stays free for
// machine-readable output.
func SetupLogging(c *cli.Context) {
	if c.Bool(LogJSONFlag.Name) {
		log.SetDefault(log.NewLogger(log.JSONHandler(os.Stderr)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, false)))
}
