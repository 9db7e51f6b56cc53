package pagecache

import (
	"sort"
	"sync"

	"github.com/intellect4all/txfs/hostfile"
	"github.com/intellect4all/txfs/page"
	"github.com/rs/zerolog"
)

// Class controls the cache-eviction protocol and how a page is persisted
// during the commit phase. Grounded on
// original_source/CompoundFs/PageMetaData.h's PageClass enum.
type Class uint8

const (
	// Undefined marks a zero-value entry; never stored in the cache.
	Undefined Class = iota
	// Read means the page was loaded unmodified from disk.
	Read
	// New means the page was newly allocated and has never been written.
	New
	// Dirty means the page held previously-committed content that has
	// since been modified in the cache.
	Dirty
)

// cachedPage is one resident page: its bytes plus the bookkeeping needed to
// rank it for eviction and to decide how to persist it at commit time.
type cachedPage struct {
	class      Class
	usageCount uint32
	priority   uint32
	data       []byte
	pinned     bool // set by Pin, cleared by Unpin
}

// rankLess orders pages the same way PrioritizedPage::operator< does: evict
// Read before Dirty before New, and within a class evict low-usage,
// low-priority pages first. Sorting ranks "prefer to evict" first, so this
// returns true when lhs should be evicted before rhs.
func rankLess(lhs, rhs cachedPage) bool {
	if lhs.class != rhs.class {
		order := func(c Class) int {
			switch c {
			case Read:
				return 0
			case Dirty:
				return 1
			}
			return 2
		}
		return order(lhs.class) < order(rhs.class)
	}
	if lhs.usageCount != rhs.usageCount {
		return lhs.usageCount < rhs.usageCount
	}
	return lhs.priority < rhs.priority
}

// Cache is the transactional page cache. It sits directly on top of a
// hostfile.RawFile and is the thing CommitHandler/RollbackHandler (and,
// above that, engine.FileSystem) operate on. Grounded on
// original_source/CompoundFs/Cache.h (the {rawFile, pageCache,
// divertedPageIds, newPageIds} aggregate) and CacheManager.cpp (allocation,
// lookup, dirtying, trim/eviction).
type Cache struct {
	mu       sync.Mutex
	rawFile  hostfile.RawFile
	pool     *hostfile.BufferPool
	maxPages uint32
	log      zerolog.Logger

	pages    map[page.Index]*cachedPage
	diverted map[page.Index]page.Index // original -> copy, set up by commit/recovery
	newPages map[page.Index]struct{}   // pages never written before (set either by NewPage or by eviction)

	hits      uint64
	misses    uint64
	evictions uint64
}

// Stats reports point-in-time cache counters, surfaced by engine.Adapter in
// place of the teacher's LSM write/space amplification figures, which have
// no equivalent here.
type Stats struct {
	Resident  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:  len(c.pages),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// New creates a Cache bounded to maxPages resident pages.
func New(rawFile hostfile.RawFile, maxPages uint32, log zerolog.Logger) *Cache {
	if maxPages == 0 {
		maxPages = 256
	}
	return &Cache{
		rawFile:  rawFile,
		pool:     hostfile.NewBufferPool(),
		maxPages: maxPages,
		log:      log,
		pages:    make(map[page.Index]*cachedPage),
		diverted: make(map[page.Index]page.Index),
		newPages: make(map[page.Index]struct{}),
	}
}

// NewPage allocates a fresh page at the end of the file and returns its
// index and a zeroed buffer the caller may fill in place.
func (c *Cache) NewPage() (page.Index, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	iv := c.rawFile.NewInterval(1)
	id := iv.Begin
	buf := c.pool.Get()
	c.pages[id] = &cachedPage{class: New, data: buf}
	c.newPages[id] = struct{}{}
	c.trimCheckLocked()
	return id, buf
}

// redirect resolves id through the diversion map set up by a commit or by
// crash recovery: if id's original contents were copied elsewhere, reads
// must be served from the copy until the copy is folded back in.
func (c *Cache) redirect(id page.Index) page.Index {
	if copyID, ok := c.diverted[id]; ok {
		return copyID
	}
	return id
}

// GetPage returns the (possibly cached) contents of page id. The returned
// slice is shared; callers that intend to modify it must call MakeDirty
// first.
func (c *Cache) GetPage(id page.Index) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	redirected := c.redirect(id)
	if cp, ok := c.pages[redirected]; ok {
		cp.usageCount++
		c.hits++
		return cp.data, nil
	}

	buf := c.pool.Get()
	if err := readSignedPage(c.rawFile, redirected, buf); err != nil {
		c.pool.Put(buf)
		return nil, err
	}
	c.pages[redirected] = &cachedPage{class: Read, data: buf}
	c.misses++
	c.trimCheckLocked()
	return buf, nil
}

// Repurpose hands back a writable buffer for id without reading or
// validating whatever was previously stored there, for callers that are
// about to overwrite id's entire contents with a different kind of page
// (the free store reusing a reclaimed content page as a FileTable page).
// If id is already resident its buffer is returned unchanged, exactly as
// CacheManager::repurpose does in original_source/CompoundFs/Cache.h; if
// id had been evicted, a fresh zeroed buffer takes its place instead of
// loading (and checksum-verifying) its stale on-disk contents, since a
// page reused this way may never have gone through writeSignedPage in the
// first place (e.g. stream content written directly via
// filestore.StreamWriter's raw page writes).
func (c *Cache) Repurpose(id page.Index) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	redirected := c.redirect(id)
	if cp, ok := c.pages[redirected]; ok {
		cp.class = New
		cp.usageCount++
		c.newPages[redirected] = struct{}{}
		return cp.data
	}

	buf := c.pool.Get()
	c.pages[redirected] = &cachedPage{class: New, data: buf}
	c.newPages[redirected] = struct{}{}
	c.trimCheckLocked()
	return buf
}

// MakeDirty marks page id (which must already be resident, via a prior
// GetPage or NewPage) as modified so that the commit protocol knows to
// persist it.
func (c *Cache) MakeDirty(id page.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()

	redirected := c.redirect(id)
	cp, ok := c.pages[redirected]
	if !ok {
		return
	}
	if _, isNew := c.newPages[redirected]; isNew {
		cp.class = New
	} else {
		cp.class = Dirty
	}
}

// trimCheckLocked triggers an eviction pass once the cache grows beyond its
// configured bound, mirroring CacheManager::trimCheck's 3/4 target.
func (c *Cache) trimCheckLocked() {
	if uint32(len(c.pages)) > c.maxPages {
		c.trimLocked(c.maxPages / 4 * 3)
	}
}

// trimLocked evicts pages down to at most target resident pages, preferring
// to evict in PrioritizedPage order: Read first, then Dirty, then New.
// Pages marked with Pin are never evicted; every other resident page is
// ranked by class/usage/priority alone.
func (c *Cache) trimLocked(target uint32) {
	if uint32(len(c.pages)) <= target {
		return
	}
	type ranked struct {
		id page.Index
		cp cachedPage
	}
	items := make([]ranked, 0, len(c.pages))
	for id, cp := range c.pages {
		if cp.pinned {
			continue
		}
		items = append(items, ranked{id: id, cp: *cp})
	}
	sort.Slice(items, func(i, j int) bool { return rankLess(items[i].cp, items[j].cp) })

	pinnedCount := uint32(len(c.pages)) - uint32(len(items))
	evictTarget := int64(target) - int64(pinnedCount)
	evictCount := int64(len(items)) - evictTarget
	if evictCount < 0 {
		evictCount = 0
	}
	if evictCount > int64(len(items)) {
		evictCount = int64(len(items))
	}
	for i := int64(0); i < evictCount; i++ {
		it := items[i]
		cp := c.pages[it.id]
		switch cp.class {
		case Dirty:
			// Divert: copy to a fresh page so the original slot remains
			// untouched until commit time updates it from the diversion.
			iv := c.rawFile.NewInterval(1)
			newID := iv.Begin
			if err := writeSignedPage(c.rawFile, newID, cp.data); err != nil {
				c.log.Error().Err(err).Uint32("page", uint32(it.id)).Msg("pagecache: evict dirty page failed")
				continue
			}
			c.diverted[it.id] = newID
			c.newPages[newID] = struct{}{}
		case New:
			if err := writeSignedPage(c.rawFile, it.id, cp.data); err != nil {
				c.log.Error().Err(err).Uint32("page", uint32(it.id)).Msg("pagecache: evict new page failed")
				continue
			}
			c.newPages[it.id] = struct{}{}
		case Read:
			// Nothing to persist — it is already on disk unmodified.
		}
		c.pool.Put(cp.data)
		delete(c.pages, it.id)
	}
	c.evictions += uint64(evictCount)
	c.log.Debug().Int("evicted", int(evictCount)).Int("resident", len(c.pages)).Msg("pagecache: trimmed cache")
}

// Pin marks a resident page as ineligible for eviction, for as long as a
// client (typically a btree.Cursor) holds a reference to its buffer. Pin is
// a no-op if the page is not currently resident (it will simply be
// reloaded from disk on the next GetPage, which is always safe — pinning
// only protects against losing an in-memory mutation, never correctness).
func (c *Cache) Pin(id page.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.pages[c.redirect(id)]; ok {
		cp.pinned = true
	}
}

// Unpin releases a previous Pin, making the page eligible for eviction
// again on the next trim pass.
func (c *Cache) Unpin(id page.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.pages[c.redirect(id)]; ok {
		cp.pinned = false
	}
}

// RawFile exposes the underlying file for the commit/rollback handlers.
func (c *Cache) RawFile() hostfile.RawFile { return c.rawFile }

// Pool exposes the buffer pool for the commit/rollback handlers.
func (c *Cache) Pool() *hostfile.BufferPool { return c.pool }
