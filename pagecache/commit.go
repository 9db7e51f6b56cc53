package pagecache

import (
	"fmt"

	"github.com/intellect4all/txfs/lockproto"
	"github.com/intellect4all/txfs/page"
)

// Locker is the subset of the lock protocol the commit handler needs: the
// exchange of a held write lock for a commit lock that also excludes new
// readers while the cache publishes its dirty pages.
type Locker interface {
	CommitAccess(write lockproto.Lock) (lockproto.CommitLock, error)
}

// CommitHandler drives the write-ahead commit protocol for a Cache. Grounded
// on original_source/CompoundFs/CommitHandler.cpp: copy dirty pages to fresh
// locations, flush, write logs recording orig->copy, flush again (so a crash
// between here and the final write can be rolled back or rolled forward),
// take the commit lock, overwrite originals, flush, truncate the file back
// down to its logical size.
type CommitHandler struct {
	cache  *Cache
	locker Locker
}

// NewCommitHandler returns a CommitHandler for cache, exchanging the commit
// lock through locker.
func NewCommitHandler(cache *Cache, locker Locker) *CommitHandler {
	return &CommitHandler{cache: cache, locker: locker}
}

// Commit performs one full commit cycle, consuming writeLock.
func (h *CommitHandler) Commit(writeLock lockproto.Lock) error {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	dirtyIDs := h.dirtyPageIDsLocked()
	if len(dirtyIDs) == 0 {
		return h.lockedWriteCachedPagesLocked(writeLock)
	}

	fileSize := c.rawFile.FileSizeInPages()

	origToCopy, err := h.copyDirtyPagesLocked(dirtyIDs)
	if err != nil {
		return fmt.Errorf("pagecache: commit copy phase: %w", &FatalError{Err: err})
	}
	if err := c.rawFile.Flush(); err != nil {
		return fmt.Errorf("pagecache: commit flush after copy: %w", &FatalError{Err: err})
	}

	if err := h.writeLogsLocked(origToCopy); err != nil {
		return fmt.Errorf("pagecache: commit write logs: %w", &FatalError{Err: err})
	}
	if err := c.rawFile.Flush(); err != nil {
		return fmt.Errorf("pagecache: commit flush after logs: %w", &FatalError{Err: err})
	}

	commitLock, err := h.locker.CommitAccess(writeLock)
	if err != nil {
		return fmt.Errorf("pagecache: acquiring commit lock: %w", err)
	}
	h.updateDirtyPagesLocked(dirtyIDs)
	h.writeCachedPagesLocked()
	w := commitLock.Release()
	w.Release()

	if err := c.rawFile.Flush(); err != nil {
		return fmt.Errorf("pagecache: commit final flush: %w", &FatalError{Err: err})
	}
	if err := c.rawFile.Truncate(fileSize); err != nil {
		return fmt.Errorf("pagecache: commit truncate: %w", &FatalError{Err: err})
	}

	c.log.Info().Int("dirtyPages", len(dirtyIDs)).Msg("pagecache: commit complete")
	return nil
}

// lockedWriteCachedPagesLocked handles the fast path where nothing was
// diverted or modified in place but new pages still need to be published.
func (h *CommitHandler) lockedWriteCachedPagesLocked(writeLock lockproto.Lock) error {
	c := h.cache
	if len(c.newPages) == 0 {
		writeLock.Release()
		return nil
	}
	commitLock, err := h.locker.CommitAccess(writeLock)
	if err != nil {
		return fmt.Errorf("pagecache: acquiring commit lock: %w", err)
	}
	h.writeCachedPagesLocked()
	flushErr := c.rawFile.Flush()
	w := commitLock.Release()
	w.Release()
	c.newPages = make(map[page.Index]struct{})
	if flushErr != nil {
		return fmt.Errorf("pagecache: commit flush of new pages: %w", &FatalError{Err: flushErr})
	}
	return nil
}

// dirtyPageIDsLocked returns the original ids of Dirty pages: those still
// resident (class Dirty) plus those already diverted by a previous eviction.
func (h *CommitHandler) dirtyPageIDsLocked() []page.Index {
	c := h.cache
	ids := make([]page.Index, 0, len(c.diverted))
	for orig := range c.diverted {
		ids = append(ids, orig)
	}
	for id, cp := range c.pages {
		if cp.class == Dirty {
			ids = append(ids, id)
		}
	}
	return ids
}

// copyDirtyPagesLocked copies the on-disk, unmodified contents of each dirty
// page to a freshly allocated page so the original location can later be
// safely overwritten.
func (h *CommitHandler) copyDirtyPagesLocked(dirtyIDs []page.Index) ([]pageCopy, error) {
	c := h.cache
	iv := c.rawFile.NewInterval(uint32(len(dirtyIDs)))
	next := iv.Begin
	result := make([]pageCopy, 0, len(dirtyIDs))
	for _, orig := range dirtyIDs {
		if err := copyPageContents(c.rawFile, c.pool, orig, next); err != nil {
			return nil, err
		}
		result = append(result, pageCopy{Original: orig, Copy: next})
		next++
	}
	return result, nil
}

// writeLogsLocked fills as many log pages as needed to record every
// orig->copy mapping and writes them to freshly allocated pages.
func (h *CommitHandler) writeLogsLocked(origToCopy []pageCopy) error {
	c := h.cache
	remaining := origToCopy
	for len(remaining) > 0 {
		iv := c.rawFile.NewInterval(1)
		lp := newLogPage(iv.Begin)
		remaining = lp.pushBack(remaining)
		if err := c.rawFile.WritePage(iv.Begin, lp.marshal()); err != nil {
			return err
		}
	}
	return nil
}

// updateDirtyPagesLocked overwrites each dirty page's original location
// either from the still-resident cached copy (preferred, since it has the
// latest writes) or, if it was evicted, from its diversion copy.
func (h *CommitHandler) updateDirtyPagesLocked(dirtyIDs []page.Index) {
	c := h.cache
	for _, orig := range dirtyIDs {
		redirected := c.redirect(orig)
		if cp, ok := c.pages[redirected]; ok {
			if err := writeSignedPage(c.rawFile, orig, cp.data); err != nil {
				c.log.Error().Err(err).Uint32("page", uint32(orig)).Msg("pagecache: commit update dirty page failed")
				continue
			}
			c.pool.Put(cp.data)
			delete(c.pages, redirected)
		} else if redirected != orig {
			if err := copyPageContents(c.rawFile, c.pool, redirected, orig); err != nil {
				c.log.Error().Err(err).Uint32("page", uint32(orig)).Msg("pagecache: commit fold diversion failed")
			}
		}
	}
	for orig := range c.diverted {
		delete(c.diverted, orig)
	}
}

// writeCachedPagesLocked writes every page still resident in the cache
// (except Read pages, already on disk unmodified) out to its current
// location and empties the cache.
func (h *CommitHandler) writeCachedPagesLocked() {
	c := h.cache
	for id, cp := range c.pages {
		if cp.class != Read {
			if err := writeSignedPage(c.rawFile, id, cp.data); err != nil {
				c.log.Error().Err(err).Uint32("page", uint32(id)).Msg("pagecache: commit write cached page failed")
				continue
			}
		}
		c.pool.Put(cp.data)
		delete(c.pages, id)
	}
	c.newPages = make(map[page.Index]struct{})
}

// Empty reports whether the cache holds nothing that a commit would need to
// act on: no resident pages, no pending new pages, no outstanding diversions.
func (h *CommitHandler) Empty() bool {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages) == 0 && len(c.newPages) == 0 && len(c.diverted) == 0
}

// CompositeSize returns the current logical size of the file, in pages.
func (h *CommitHandler) CompositeSize() uint32 {
	return h.cache.rawFile.FileSizeInPages()
}
