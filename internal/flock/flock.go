// Package flock wraps flock(2) so the history store and the dispatcher's
// single-instance lock file can serialize access across processes, the
// way the teacher's control.go serializes mirror runs.
package flock

import (
	"os"
	"syscall"
)

// Flock is a simple wrapper around *os.File to call flock(2).
type Flock struct {
	F *os.File
}

// New opens path (creating it if necessary) and wraps it in a Flock.
func New(path string) (Flock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644) // #nosec G302,G304 - caller controls path; lock files are not secrets
	if err != nil {
		return Flock{}, err
	}
	return Flock{F: f}, nil
}

// Lock calls flock(2) with LOCK_EX|LOCK_NB.
//
// If the lock cannot be acquired immediately, a non-nil error is returned
// instead of blocking.
func (fl Flock) Lock() error {
	err := syscall.Flock(int(fl.F.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	return os.NewSyscallError("flock", err)
}

// Unlock calls flock(2) with LOCK_UN.
func (fl Flock) Unlock() error {
	err := syscall.Flock(int(fl.F.Fd()), syscall.LOCK_UN)
	return os.NewSyscallError("flock", err)
}

// Close closes the underlying file. Call after Unlock.
func (fl Flock) Close() error {
	return fl.F.Close()
}
