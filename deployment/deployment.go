// Package deployment loads and resolves the JSON deployment artifact both
// binaries read: contract addresses, chain id, and RPC endpoint.
package deployment

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// Artifact is the deployment artifact schema from spec.md §6. Fields beyond
// those the core reads (merchant/subscriber/collector addresses, recorded
// tx hashes, etc.) are tolerated by json.Unmarshal's default
// unknown-field behavior and never surface here.
type Artifact struct {
	ChainID    uint64 `json:"chainId"`
	RPC        string `json:"rpc,omitempty"`
	RPCEnvVar  string `json:"rpcEnvVar,omitempty"`
	OpenSub    string `json:"openSub"`
	Token      string `json:"token"`
	Decimals   uint8  `json:"decimals"`
	PlanID     uint64 `json:"planId"`
	StartBlock uint64 `json:"startBlock"`
}

// Load reads and parses the deployment artifact at path.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing deployment artifact %s: %w", path, err)
	}
	if a.OpenSub == "" {
		return nil, fmt.Errorf("deployment artifact %s: openSub address is required", path)
	}
	if a.StartBlock == 0 {
		log.Warn("deployment startBlock is 0, scanning from genesis may be slow", "path", path)
	}
	return &a, nil
}

// ResolveRPC implements the precedence chain used by both binaries:
// explicit CLI override, then the OPENSUB_RPC-style override env var
// (caller-supplied name), then the deployment's rpcEnvVar indirection
// (looked up in the environment), then the deployment's inline rpc field.
func (a *Artifact) ResolveRPC(override, overrideEnvVar string) (string, error) {
	if override != "" {
		warnIfLooksLikeAPIKeyURL(override)
		return override, nil
	}
	if overrideEnvVar != "" {
		if v := os.Getenv(overrideEnvVar); v != "" {
			warnIfLooksLikeAPIKeyURL(v)
			return v, nil
		}
	}
	if a.RPCEnvVar != "" {
		v := os.Getenv(a.RPCEnvVar)
		if v == "" {
			return "", fmt.Errorf("deployment specifies rpcEnvVar %q but it is unset", a.RPCEnvVar)
		}
		warnIfLooksLikeAPIKeyURL(v)
		return v, nil
	}
	if a.RPC != "" {
		warnIfLooksLikeAPIKeyURL(a.RPC)
		return a.RPC, nil
	}
	return "", fmt.Errorf("no RPC URL resolved: set an override, rpcEnvVar, or rpc in the deployment artifact")
}

// warnIfLooksLikeAPIKeyURL nudges operators away from committing an
// API-key-bearing RPC URL directly into the deployment artifact or flags,
// in favor of the rpcEnvVar indirection.
func warnIfLooksLikeAPIKeyURL(url string) {
	for _, needle := range []string{"alchemy.com/v2/", "infura.io/v3/"} {
		if strings.Contains(url, needle) {
			log.Warn("RPC URL appears to embed an API key; prefer rpcEnvVar indirection", "matched", needle)
			return
		}
	}
}
