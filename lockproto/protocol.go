package lockproto

import (
	"errors"
	"math"
)

// fileHandle is the minimal surface of *os.File a platform-specific
// byte-range lock backend needs.
type fileHandle interface {
	Fd() uintptr
}

// The three lock ranges sit in the top four bytes of the signed 63-bit
// offset space, far past any page the file will ever contain, so they can
// never collide with real file content. Decided in SPEC_FULL.md §5 (Open
// Question 3: lock-range constants).
const (
	GateRangeOffset   = uint64(math.MaxInt64) - 3
	SharedRangeOffset = uint64(math.MaxInt64) - 2
	WriterRangeOffset = uint64(math.MaxInt64) - 1
	rangeLength       = 1
)

// ErrWrongWriteLock reports a write lock that does not belong to this
// protocol. CommitAccess and TryCommitAccess do not check where the
// supplied Lock came from, so neither of them returns it.
var ErrWrongWriteLock = errors.New("lockproto: write lock does not belong to this protocol")

// Protocol implements the gate/shared/writer lock sequence: any number of
// concurrent readers, at most one writer, and a committer that must drain
// all readers before it may publish. Grounded on
// original_source/CompoundFs/LockProtocol.h.
type Protocol struct {
	gate   *rangeLock
	shared *rangeLock
	writer *rangeLock
}

// New creates a Protocol whose three byte ranges live in file.
func New(file fileHandle) (*Protocol, error) {
	gate, err := newRangeLock(file, GateRangeOffset, rangeLength)
	if err != nil {
		return nil, err
	}
	shared, err := newRangeLock(file, SharedRangeOffset, rangeLength)
	if err != nil {
		return nil, err
	}
	writer, err := newRangeLock(file, WriterRangeOffset, rangeLength)
	if err != nil {
		return nil, err
	}
	return &Protocol{gate: gate, shared: shared, writer: writer}, nil
}

// ReadAccess blocks until a shared read lock can be taken. The gate is only
// held for the instant of acquiring the shared lock: once acquired, readers
// don't need to keep contending for the gate, only commitAccess (which
// drains all shared holders) does.
func (p *Protocol) ReadAccess() (Lock, error) {
	if err := p.gate.RLock(); err != nil {
		return Lock{}, err
	}
	defer p.gate.RUnlock()

	if err := p.shared.RLock(); err != nil {
		return Lock{}, err
	}
	return newLock(func() { p.shared.RUnlock() }), nil
}

// TryReadAccess is the non-blocking variant of ReadAccess.
func (p *Protocol) TryReadAccess() (Lock, bool, error) {
	ok, err := p.gate.TryRLock()
	if err != nil || !ok {
		return Lock{}, false, err
	}
	defer p.gate.RUnlock()

	ok, err = p.shared.TryRLock()
	if err != nil || !ok {
		return Lock{}, false, err
	}
	return newLock(func() { p.shared.RUnlock() }), true, nil
}

// WriteAccess blocks until the single writer slot is free.
func (p *Protocol) WriteAccess() (Lock, error) {
	if err := p.writer.Lock(); err != nil {
		return Lock{}, err
	}
	return newLock(func() { p.writer.Unlock() }), nil
}

// TryWriteAccess is the non-blocking variant of WriteAccess.
func (p *Protocol) TryWriteAccess() (Lock, bool, error) {
	ok, err := p.writer.TryLock()
	if err != nil || !ok {
		return Lock{}, false, err
	}
	return newLock(func() { p.writer.Unlock() }), true, nil
}

// CommitAccess exchanges a held write lock for a CommitLock: it takes the
// gate exclusively just long enough to acquire the shared range
// exclusively, which blocks until every current reader has released —
// taking the gate first prevents new readers from queuing up indefinitely
// and starving the commit.
func (p *Protocol) CommitAccess(write Lock) (CommitLock, error) {
	if err := p.gate.Lock(); err != nil {
		return CommitLock{}, err
	}
	err := p.shared.Lock()
	p.gate.Unlock()
	if err != nil {
		return CommitLock{}, err
	}
	return CommitLock{writer: write, shared: newLock(func() { p.shared.Unlock() })}, nil
}

// TryCommitAccess is the non-blocking variant of CommitAccess. On failure
// it hands the write lock back unconsumed so the caller can retry or
// release it.
func (p *Protocol) TryCommitAccess(write Lock) (CommitLock, Lock, error) {
	ok, err := p.gate.TryLock()
	if err != nil {
		return CommitLock{}, write, err
	}
	if !ok {
		return CommitLock{}, write, nil
	}
	defer p.gate.Unlock()

	ok, err = p.shared.TryLock()
	if err != nil || !ok {
		return CommitLock{}, write, err
	}
	return CommitLock{writer: write, shared: newLock(func() { p.shared.Unlock() })}, Lock{}, nil
}
