package keeper

import "fmt"

// FailureKind classifies why a per-id operation failed, driving the
// backoff policy and the persisted retry record.
type FailureKind string

const (
	FailureRPCError              FailureKind = "RpcError"
	FailurePlanInactive          FailureKind = "PlanInactive"
	FailureInsufficientAllowance FailureKind = "InsufficientAllowance"
	FailureInsufficientBalance   FailureKind = "InsufficientBalance"
	FailureSimulationRevert      FailureKind = "SimulationRevert"
	FailureMinedRevert           FailureKind = "MinedRevert"
	FailureUnknown               FailureKind = "Unknown"
)

// InFlightTx records a submitted collect transaction awaiting a receipt.
type InFlightTx struct {
	TxHash string `json:"txHash"`
	SentAt uint64 `json:"sentAt"`
}

// RetryInfo records the backoff state for a subscription id following a
// failure.
type RetryInfo struct {
	ConsecutiveFailures uint32      `json:"consecutiveFailures"`
	NextRetryAt         uint64      `json:"nextRetryAt"`
	LastFailureKind     FailureKind `json:"lastFailureKind"`
	LastFailureReason   string      `json:"lastFailureReason,omitempty"`
}

// StateError wraps an I/O or JSON failure encountered while loading or
// saving persistent state, so callers can distinguish state-file trouble
// from other failures without string-matching error text.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("keeper state: %s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
