// Package lockproto implements the three-range lock protocol that lets
// multiple readers, one writer and a committer coordinate access to the
// same compound file, both within one process (via in-memory
// synchronization) and across processes (via OS advisory byte-range locks
// on the file itself). Grounded on
// original_source/CompoundFs/LockProtocol.h, Lock.h, SharedLock.h and
// FileSharedMutex.h/FileLockLinux.cpp/OpenFileDescriptorLock.cpp.
package lockproto

import "sync"

// Lock is a held lock that must eventually be released. Its zero value is
// already-released and Release is a no-op, mirroring the move-only,
// release-on-drop Lock of the original.
type Lock struct {
	release func()
	once    sync.Once
}

func newLock(release func()) Lock {
	return Lock{release: release}
}

// Release releases the lock. Safe to call more than once or on a
// zero-valued Lock.
func (l *Lock) Release() {
	if l.release == nil {
		return
	}
	l.once.Do(l.release)
}

// CommitLock bundles the exclusive write lock and the shared-mutex
// exclusive hold that together give a commit exclusive publishing rights.
type CommitLock struct {
	writer Lock
	shared Lock
}

// Release releases the shared-mutex hold and returns the write lock so the
// caller can keep writing (e.g. to start another transaction) or release it
// too.
func (c *CommitLock) Release() Lock {
	c.shared.Release()
	w := c.writer
	c.writer = Lock{}
	return w
}
