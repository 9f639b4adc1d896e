package keeper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffSeconds_ZeroAndOneFailuresMatch(t *testing.T) {
	cfg := BackoffConfig{BackoffBase: 300, BackoffMax: 21600}
	assert.Equal(t,
		ComputeBackoffSeconds(cfg, FailureUnknown, 0, 42),
		ComputeBackoffSeconds(cfg, FailureUnknown, 1, 42))
}

func TestComputeBackoffSeconds_ClampsToMax(t *testing.T) {
	cfg := BackoffConfig{BackoffBase: 300, BackoffMax: 21600}
	for n := uint32(1); n <= 200; n++ {
		got := ComputeBackoffSeconds(cfg, FailureUnknown, n, 1)
		assert.LessOrEqual(t, got, cfg.BackoffMax)
	}
}

func TestComputeBackoffSeconds_SelectsBaseByKind(t *testing.T) {
	cfg := BackoffConfig{
		BackoffBase:         300,
		BackoffMax:          21600,
		PlanInactiveBackoff: 1800,
		RPCErrorBackoff:     30,
	}
	assert.Equal(t, uint64(1800), ComputeBackoffSeconds(cfg, FailurePlanInactive, 1, 0))
	assert.Equal(t, uint64(30), ComputeBackoffSeconds(cfg, FailureRPCError, 1, 0))
	assert.Equal(t, uint64(300), ComputeBackoffSeconds(cfg, FailureInsufficientBalance, 1, 0))
}

func TestComputeBackoffSeconds_ExponentialGrowth(t *testing.T) {
	cfg := BackoffConfig{BackoffBase: 100, BackoffMax: 1_000_000}
	assert.Equal(t, uint64(100), ComputeBackoffSeconds(cfg, FailureUnknown, 1, 0))
	assert.Equal(t, uint64(200), ComputeBackoffSeconds(cfg, FailureUnknown, 2, 0))
	assert.Equal(t, uint64(400), ComputeBackoffSeconds(cfg, FailureUnknown, 3, 0))
	assert.Equal(t, uint64(800), ComputeBackoffSeconds(cfg, FailureUnknown, 4, 0))
}

func TestComputeBackoffSeconds_DeterministicJitter(t *testing.T) {
	cfg := BackoffConfig{BackoffBase: 100, BackoffMax: 1_000_000, JitterSeconds: 30}
	a := ComputeBackoffSeconds(cfg, FailureUnknown, 1, 7)
	b := ComputeBackoffSeconds(cfg, FailureUnknown, 1, 7)
	assert.Equal(t, a, b, "jitter must be deterministic for the same subscription id")
	assert.Equal(t, uint64(100+7%30), a)
}

func TestComputeBackoffSeconds_JitterNeverExceedsMax(t *testing.T) {
	cfg := BackoffConfig{BackoffBase: 999_990, BackoffMax: 1_000_000, JitterSeconds: 30}
	got := ComputeBackoffSeconds(cfg, FailureUnknown, 1, 29)
	assert.LessOrEqual(t, got, cfg.BackoffMax)
}
