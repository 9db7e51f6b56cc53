package pagecache

import (
	"fmt"

	"github.com/intellect4all/txfs/hostfile"
	"github.com/intellect4all/txfs/page"
)

// RollbackHandler undoes a partially-applied commit found at the tail of
// the file, or aborts an in-progress write transaction outright. Grounded
// on original_source/CompoundFs/RollbackHandler.cpp.
type RollbackHandler struct {
	cache *Cache
}

// NewRollbackHandler returns a RollbackHandler for cache.
func NewRollbackHandler(cache *Cache) *RollbackHandler {
	return &RollbackHandler{cache: cache}
}

// RevertPartialCommit physically restores every page the logs say was
// overwritten during an interrupted commit, then flushes. Used when opening
// the file for read-write access after a crash.
func (h *RollbackHandler) RevertPartialCommit() error {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	logs, err := readLogsLocked(c.rawFile, c.pool)
	if err != nil {
		return fmt.Errorf("pagecache: reading recovery logs: %w", err)
	}
	for _, l := range logs {
		if err := copyPageContents(c.rawFile, c.pool, l.Copy, l.Original); err != nil {
			return fmt.Errorf("pagecache: restoring page %d from log copy %d: %w", l.Original, l.Copy, err)
		}
	}
	if len(logs) > 0 {
		if err := c.rawFile.Flush(); err != nil {
			return fmt.Errorf("pagecache: flush after recovery: %w", err)
		}
		c.log.Info().Int("pagesRestored", len(logs)).Msg("pagecache: recovered from interrupted commit")
	}
	return nil
}

// VirtualRevertPartialCommit performs the read-only variant of recovery: it
// does not touch the file, it just seeds the diversion map so that reads of
// an original page are transparently served from its logged copy instead.
// Used when opening the file for read-only access after a crash.
func (h *RollbackHandler) VirtualRevertPartialCommit() error {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	logs, err := readLogsLocked(c.rawFile, c.pool)
	if err != nil {
		return fmt.Errorf("pagecache: reading recovery logs: %w", err)
	}
	for _, l := range logs {
		c.diverted[l.Original] = l.Copy
	}
	if len(logs) > 0 {
		c.log.Info().Int("pagesDiverted", len(logs)).Msg("pagecache: virtual recovery seeded diversion map")
	}
	return nil
}

// Rollback discards every uncommitted change a write transaction made
// (resident pages, new-page set, diversions) and truncates the file back
// to compositeSize, the size it had before the transaction began.
func (h *RollbackHandler) Rollback(compositeSize uint32) error {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cp := range c.pages {
		c.pool.Put(cp.data)
	}
	c.pages = make(map[page.Index]*cachedPage)
	c.newPages = make(map[page.Index]struct{})
	c.diverted = make(map[page.Index]page.Index)

	if compositeSize > c.rawFile.FileSizeInPages() {
		return fmt.Errorf("pagecache: rollback target %d exceeds current file size %d", compositeSize, c.rawFile.FileSizeInPages())
	}
	return c.rawFile.Truncate(compositeSize)
}

// readLogsLocked scans backward from the end of the file for a contiguous
// run of valid log pages, each one's signature keyed to its own index, and
// returns the union of every orig->copy mapping they record. The scan stops
// at the first page whose signature doesn't match — either because it is
// not a log page, or because recovery has already consumed everything the
// previous commit attempt wrote.
func readLogsLocked(f hostfile.RawFile, pool *hostfile.BufferPool) ([]pageCopy, error) {
	size := f.FileSizeInPages()
	if size == 0 {
		return nil, nil
	}

	var logs []pageCopy
	buf := pool.Get()
	defer pool.Put(buf)

	idx := page.Index(size)
	for idx != 0 {
		idx--
		if err := f.ReadPage(idx, buf); err != nil {
			return nil, err
		}
		lp, ok := unmarshalLogPage(buf)
		if !ok || !checkLogSignature(idx, lp.signature) {
			break
		}
		logs = append(logs, lp.entries...)
		if idx == 0 {
			break
		}
	}
	return logs, nil
}

// Recover opens rawFile for business, detecting and repairing (or, for
// readOnly, virtually repairing) an interrupted commit before any other
// operation touches the cache.
func Recover(cache *Cache, readOnly bool) error {
	h := NewRollbackHandler(cache)
	if readOnly {
		return h.VirtualRevertPartialCommit()
	}
	return h.RevertPartialCommit()
}
