// Package lockfile guards against concurrent batches: a flock(2)-held
// .lock file in the state directory, acquired non-blocking so a second
// invocation fails fast, plus the child-subreaper flag so grandchildren
// orphaned by build scripts are reaped by the orchestrator.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock is a held batch lock.
type Lock struct {
	f *os.File
}

// Acquire takes the batch lock under dir.  A lock already held by another
// process returns an error immediately rather than blocking.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another batch is already running (lock held on %s)", path)
		}
		return nil, err
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer l.f.Close()
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// BecomeSubreaper marks this process as the reaper for orphaned
// descendants.
func BecomeSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
