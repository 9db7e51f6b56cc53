package lockproto

import (
	"fmt"
	"sync"
)

// osRangeLock is the platform-specific half of a rangeLock: an advisory
// byte-range lock on an open file, held across processes. Implementations
// live in range_unix.go (POSIX OFD locks via fcntl) and range_windows.go
// (LockFileEx).
type osRangeLock interface {
	Lock() error
	TryLock() (bool, error)
	Unlock() error
	LockShared() error
	TryLockShared() (bool, error)
	UnlockShared() error
}

// rangeLock composes an in-process shared mutex (for goroutines within this
// session) with an OS byte-range lock (for other processes holding the same
// file open), mirroring how the original pairs SharedLock (in-process) with
// FileSharedMutex/OpenFileDescriptorLock (cross-process) over the same
// logical lock.
type rangeLock struct {
	mu  sync.RWMutex
	os  osRangeLock
	off uint64
	len uint64
}

func newRangeLock(file fileHandle, offset, length uint64) (*rangeLock, error) {
	os, err := newOSRangeLock(file, offset, length)
	if err != nil {
		return nil, fmt.Errorf("lockproto: opening byte-range lock at offset %d: %w", offset, err)
	}
	return &rangeLock{os: os, off: offset, len: length}, nil
}

func (r *rangeLock) Lock() error {
	r.mu.Lock()
	if err := r.os.Lock(); err != nil {
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *rangeLock) TryLock() (bool, error) {
	if !r.mu.TryLock() {
		return false, nil
	}
	ok, err := r.os.TryLock()
	if err != nil || !ok {
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (r *rangeLock) Unlock() {
	if err := r.os.Unlock(); err != nil {
		// Release the in-process side regardless so we don't deadlock this
		// process; the OS-level failure is unexpected (e.g. the fd closed
		// from under us) and not recoverable here.
		_ = err
	}
	r.mu.Unlock()
}

func (r *rangeLock) RLock() error {
	r.mu.RLock()
	if err := r.os.LockShared(); err != nil {
		r.mu.RUnlock()
		return err
	}
	return nil
}

func (r *rangeLock) TryRLock() (bool, error) {
	if !r.mu.TryRLock() {
		return false, nil
	}
	ok, err := r.os.TryLockShared()
	if err != nil || !ok {
		r.mu.RUnlock()
		return false, err
	}
	return true, nil
}

func (r *rangeLock) RUnlock() {
	if err := r.os.UnlockShared(); err != nil {
		_ = err
	}
	r.mu.RUnlock()
}
