package keeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
)

const maxFailureReasonRunes = 240

// State is the persistent keeper snapshot described in spec.md §3/§6. It is
// owned by a single sequential orchestrator (the keeper loop) and is never
// shared across goroutines; callers pass it by pointer, not as a global.
type State struct {
	LastScannedBlock uint64
	SubscriptionIDs  []uint64 // ascending, deduplicated
	InFlight         map[uint64]InFlightTx
	Retries          map[uint64]RetryInfo

	path string
}

// stateJSON is the on-disk shape: map keys must be strings in JSON, and
// numeric map keys are kept as decimal strings, matching the schema in
// spec.md §6.
type stateJSON struct {
	LastScannedBlock uint64                `json:"lastScannedBlock"`
	SubscriptionIDs  []uint64              `json:"subscriptionIds"`
	InFlight         map[string]InFlightTx `json:"inFlight"`
	Retries          map[string]RetryInfo  `json:"retries"`
}

func (s *State) toJSON() stateJSON {
	out := stateJSON{
		LastScannedBlock: s.LastScannedBlock,
		SubscriptionIDs:  s.SubscriptionIDs,
		InFlight:         make(map[string]InFlightTx, len(s.InFlight)),
		Retries:          make(map[string]RetryInfo, len(s.Retries)),
	}
	for id, tx := range s.InFlight {
		out.InFlight[strconv.FormatUint(id, 10)] = tx
	}
	for id, r := range s.Retries {
		out.Retries[strconv.FormatUint(id, 10)] = r
	}
	return out
}

func fromJSON(j stateJSON) (*State, error) {
	s := &State{
		LastScannedBlock: j.LastScannedBlock,
		SubscriptionIDs:  append([]uint64(nil), j.SubscriptionIDs...),
		InFlight:         make(map[uint64]InFlightTx, len(j.InFlight)),
		Retries:          make(map[uint64]RetryInfo, len(j.Retries)),
	}
	for k, tx := range j.InFlight {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("inFlight key %q: %w", k, err)
		}
		s.InFlight[id] = tx
	}
	for k, r := range j.Retries {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("retries key %q: %w", k, err)
		}
		s.Retries[id] = r
	}
	normalizeIDs(s)
	return s, nil
}

func normalizeIDs(s *State) {
	set := make(map[uint64]struct{}, len(s.SubscriptionIDs))
	for _, id := range s.SubscriptionIDs {
		set[id] = struct{}{}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.SubscriptionIDs = ids
}

// LoadOrInit reads the state file at path if present, or creates, persists,
// and returns a fresh one seeded from startBlock.
func LoadOrInit(path string, startBlock uint64) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := &State{
			LastScannedBlock: initialLastScannedBlock(startBlock),
			SubscriptionIDs:  nil,
			InFlight:         make(map[uint64]InFlightTx),
			Retries:          make(map[uint64]RetryInfo),
			path:             path,
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &StateError{Op: "mkdir", Err: err}
		}
		if err := s.Save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, &StateError{Op: "read", Err: err}
	}
	var j stateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, &StateError{Op: "parse", Err: err}
	}
	s, err := fromJSON(j)
	if err != nil {
		return nil, &StateError{Op: "parse", Err: err}
	}
	s.path = path
	return s, nil
}

func initialLastScannedBlock(startBlock uint64) uint64 {
	if startBlock < 1 {
		return 0
	}
	return startBlock - 1
}

// Save serializes the state to pretty JSON and atomically replaces the file
// at its path: write to a sibling temp file, then rename over the target.
// On platforms where rename-over-existing is forbidden, it removes the
// target first and renames again.
func (s *State) Save() error {
	data, err := json.MarshalIndent(s.toJSON(), "", "  ")
	if err != nil {
		return &StateError{Op: "marshal", Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StateError{Op: "write-temp", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if errRemove := os.Remove(s.path); errRemove == nil {
			if err := os.Rename(tmp, s.path); err == nil {
				return nil
			}
		}
		return &StateError{Op: "rename", Err: err}
	}
	return nil
}

// AddID inserts id into the ascending deduplicated id set if absent.
func (s *State) AddID(id uint64) {
	i := sort.Search(len(s.SubscriptionIDs), func(i int) bool { return s.SubscriptionIDs[i] >= id })
	if i < len(s.SubscriptionIDs) && s.SubscriptionIDs[i] == id {
		return
	}
	s.SubscriptionIDs = append(s.SubscriptionIDs, 0)
	copy(s.SubscriptionIDs[i+1:], s.SubscriptionIDs[i:])
	s.SubscriptionIDs[i] = id
}

// MarkInFlight records a submitted collect transaction for id.
func (s *State) MarkInFlight(id uint64, txHash string, sentAt uint64) {
	s.InFlight[id] = InFlightTx{TxHash: txHash, SentAt: sentAt}
}

// NoteSuccess clears any retry bookkeeping for id following an observed
// success.
func (s *State) NoteSuccess(id uint64) {
	delete(s.Retries, id)
}

// NoteFailure records or updates id's retry record: consecutive-failure
// count increments (saturating at the uint32 max), nextRetryAt and the
// failure kind are overwritten, and reason is truncated to at most 240
// Unicode scalar values on a rune boundary, suffixed "..." when truncated.
func (s *State) NoteFailure(id uint64, kind FailureKind, nextRetryAt uint64, reason string) {
	r := s.Retries[id]
	if r.ConsecutiveFailures < ^uint32(0) {
		r.ConsecutiveFailures++
	}
	r.NextRetryAt = nextRetryAt
	r.LastFailureKind = kind
	r.LastFailureReason = truncateReason(reason)
	s.Retries[id] = r
}

func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxFailureReasonRunes {
		return reason
	}
	return string(runes[:maxFailureReasonRunes]) + "..."
}

// ShouldSkipDueToBackoff reports whether id is still inside its backoff
// window as of now (a Unix second timestamp).
func (s *State) ShouldSkipDueToBackoff(id uint64, now uint64) bool {
	r, ok := s.Retries[id]
	return ok && now < r.NextRetryAt
}

// logStateError logs a failed state operation at error level. It only logs
// and does not classify the error; the keeper loop returns state errors to
// its caller instead of calling this.
func logStateError(op string, err error) {
	log.Error("keeper state operation failed", "op", op, "err", err)
}
