// Package pidfile guards the single PID file execd writes at startup with
// an advisory lock, closing the window between Apoptosis signaling a
// predecessor and this instance's own bind that apoptosis alone cannot
// close (two instances starting within the same tick could otherwise both
// believe they are the sole survivor).
package pidfile

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// File holds the advisory lock on path for the lifetime of the daemon.
// Release must be called on shutdown to unlock and remove the file.
type File struct {
	path string
	lock *flock.Flock
}

// Write acquires an exclusive, non-blocking advisory lock on path and
// writes the calling process's PID into it. If the lock is already held,
// it returns an error identifying the situation as "another instance is
// running" rather than a generic I/O failure, since that is the only
// reason a locked PID file should exist.
func Write(path string) (*File, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("pid file %s is locked by another instance", path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}

	return &File{path: path, lock: lock}, nil
}

// Release unlocks and removes the PID file, the orderly-shutdown
// counterpart to Write.
func (f *File) Release() error {
	err := f.lock.Unlock()
	_ = os.Remove(f.path)
	return err
}
