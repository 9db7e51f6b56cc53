//go:build windows

package lockproto

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// windowsRangeLock locks a byte range of a file using LockFileEx/
// UnlockFileEx. Grounded on original_source/CompoundFs/FileSharedMutex.cpp.
type windowsRangeLock struct {
	handle windows.Handle
	offset uint64
	length uint64
}

func newOSRangeLock(file fileHandle, offset, length uint64) (osRangeLock, error) {
	return &windowsRangeLock{
		handle: windows.Handle(file.Fd()),
		offset: offset,
		length: length,
	}, nil
}

func (l *windowsRangeLock) overlapped() *windows.Overlapped {
	return &windows.Overlapped{
		Offset:     uint32(l.offset),
		OffsetHigh: uint32(l.offset >> 32),
	}
}

func (l *windowsRangeLock) lock(flags uint32) error {
	ov := l.overlapped()
	lenLow := uint32(l.length)
	lenHigh := uint32(l.length >> 32)
	if err := windows.LockFileEx(l.handle, flags, 0, lenLow, lenHigh, ov); err != nil {
		return fmt.Errorf("lockproto: LockFileEx: %w", err)
	}
	return nil
}

func (l *windowsRangeLock) tryLock(flags uint32) (bool, error) {
	err := l.lock(flags | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err == nil {
		return true, nil
	}
	if err == windows.ERROR_LOCK_VIOLATION {
		return false, nil
	}
	return false, err
}

func (l *windowsRangeLock) Lock() error {
	return l.lock(windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func (l *windowsRangeLock) TryLock() (bool, error) {
	return l.tryLock(windows.LOCKFILE_EXCLUSIVE_LOCK)
}

func (l *windowsRangeLock) LockShared() error {
	return l.lock(0)
}

func (l *windowsRangeLock) TryLockShared() (bool, error) {
	return l.tryLock(0)
}

func (l *windowsRangeLock) unlock() error {
	ov := l.overlapped()
	lenLow := uint32(l.length)
	lenHigh := uint32(l.length >> 32)
	if err := windows.UnlockFileEx(l.handle, 0, lenLow, lenHigh, ov); err != nil {
		return fmt.Errorf("lockproto: UnlockFileEx: %w", err)
	}
	return nil
}

func (l *windowsRangeLock) Unlock() error { return l.unlock() }

func (l *windowsRangeLock) UnlockShared() error { return l.unlock() }
