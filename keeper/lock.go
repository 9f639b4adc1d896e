package keeper

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is the single-instance guard: an OS-level exclusive file lock on a
// sibling of the state file, held for the process lifetime so two keeper
// daemons never share a signer and a state file.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock tries to exclusively lock stateFilePath+".lock". It fails
// immediately rather than blocking, since a second instance starting up
// should abort with an unambiguous error rather than wait.
func AcquireLock(stateFilePath string) (*Lock, error) {
	path := stateFilePath + ".lock"
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another keeper instance already holds the lock at %s", path)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
