package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/isometry/dirsync/internal/syncerr"
)

// ErrInstanceLocked is returned when another daemon owns the state directory.
var ErrInstanceLocked = errors.New("another dirsync instance is running")

// InstanceLock keeps a second daemon away from the same state directory.
type InstanceLock struct {
	fl *flock.Flock
}

// AcquireInstanceLock takes the lock file at path without blocking.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, syncerr.Fatal("instance", fmt.Errorf("failed to create state directory: %w", err))
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, syncerr.Fatal("instance", fmt.Errorf("failed to lock %s: %w", path, err))
	}
	if !locked {
		return nil, syncerr.Fatal("instance", fmt.Errorf("%w: %s is held", ErrInstanceLocked, path))
	}
	return &InstanceLock{fl: fl}, nil
}

func (l *InstanceLock) Path() string {
	return l.fl.Path()
}

// Release unlocks and closes the lock file. The file itself stays.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
