package keeper

import "math/big"

// BackoffConfig holds the tunables ComputeBackoffSeconds clamps against.
// All fields are seconds.
type BackoffConfig struct {
	BackoffBase         uint64
	BackoffMax          uint64
	PlanInactiveBackoff uint64
	RPCErrorBackoff     uint64
	JitterSeconds       uint64
}

// ComputeBackoffSeconds maps a failure kind and consecutive-failure count
// to the number of seconds before the next retry is eligible. Jitter is
// deterministic — a function of subscriptionID, never random — so retry
// behavior is reproducible across runs given the same inputs.
func ComputeBackoffSeconds(cfg BackoffConfig, kind FailureKind, consecutiveFailures uint32, subscriptionID uint64) uint64 {
	base := cfg.BackoffBase
	switch kind {
	case FailurePlanInactive:
		base = cfg.PlanInactiveBackoff
	case FailureRPCError:
		base = cfg.RPCErrorBackoff
	}
	if base < 1 {
		base = 1
	}
	max := cfg.BackoffMax
	if max < 1 {
		max = 1
	}
	if base > max {
		base = max
	}

	n := consecutiveFailures
	if n < 1 {
		n = 1
	}
	exp := n - 1
	if exp > 63 {
		exp = 63
	}

	backoff := saturatingShiftLeft(base, uint(exp), max)

	if cfg.JitterSeconds > 0 {
		backoff += subscriptionID % cfg.JitterSeconds
		if backoff > max {
			backoff = max
		}
	}

	return backoff
}

// saturatingShiftLeft computes min(base << exp, max) without overflowing
// uint64 along the way.
func saturatingShiftLeft(base uint64, exp uint, max uint64) uint64 {
	shifted := new(big.Int).Lsh(new(big.Int).SetUint64(base), exp)
	maxBig := new(big.Int).SetUint64(max)
	if shifted.Cmp(maxBig) > 0 {
		return max
	}
	return shifted.Uint64()
}
