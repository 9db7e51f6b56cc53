// Package freestore manages pages that earlier transactions released:
// deleted file extents and obsolete B-tree nodes. It hands them back out
// as new allocations before the file is ever grown, so steady-state usage
// doesn't make the backing file monotonically larger. Grounded on
// original_source/CompoundFs/FreeStore.h.
package freestore

import (
	"github.com/intellect4all/txfs/filestore"
	"github.com/intellect4all/txfs/page"
	"github.com/intellect4all/txfs/pagecache"
)

// Store is itself shaped like a file — its own extent list is described
// by a filestore.Descriptor — but instead of holding file content, its
// FileTable chain holds the page ids available for reuse.
type Store struct {
	cache *pagecache.Cache

	descriptor     filestore.Descriptor
	currentSize    uint64 // bytes worth of free pages not yet handed out by Allocate
	current        page.Sequence
	headLoaded     bool
	headID         page.Index
	freeMetaData   map[page.Index]struct{} // pages deallocate()'d this transaction
	filesToDelete  []filestore.Descriptor
}

// Open wraps an existing free-page descriptor. fd must not be the zero
// Descriptor; a filesystem with no free space at all uses an empty Store
// (see NewEmpty).
func Open(cache *pagecache.Cache, fd filestore.Descriptor) *Store {
	return &Store{
		cache:        cache,
		descriptor:   fd,
		currentSize:  fd.FileSize,
		freeMetaData: make(map[page.Index]struct{}),
	}
}

// NewEmpty returns a Store with no free pages at all.
func NewEmpty(cache *pagecache.Cache) *Store {
	return Open(cache, filestore.Descriptor{First: page.Invalid, Last: page.Invalid})
}

func (s *Store) loadFileTablePage(id page.Index, is *page.Sequence) (page.Index, error) {
	buf, err := s.cache.GetPage(id)
	if err != nil {
		return 0, err
	}
	t := filestore.WrapTable(buf)
	t.InsertInto(is)
	return t.Next(), nil
}

func (s *Store) loadInitialIntervals() error {
	if s.headLoaded || s.descriptor.First == page.Invalid {
		return nil
	}
	next, err := s.loadFileTablePage(s.descriptor.First, &s.current)
	if err != nil {
		return err
	}
	s.headID = s.descriptor.First
	s.headLoaded = true
	_ = next // the head page's own Next is re-read from the page when needed
	return nil
}

// Allocate returns up to maxPages contiguous reclaimed pages, or an empty
// interval if the store has none left (the caller must then grow the file
// itself). Loads additional FileTable pages from the chain lazily, only as
// needed to satisfy the request.
func (s *Store) Allocate(maxPages uint32) (page.Interval, error) {
	if s.currentSize == 0 {
		return page.NewInterval(page.Invalid, page.Invalid), nil
	}
	if err := s.loadInitialIntervals(); err != nil {
		return page.Interval{}, err
	}

	headBuf, err := s.cache.GetPage(s.headID)
	if err != nil {
		return page.Interval{}, err
	}
	head := filestore.WrapTable(headBuf)
	next := head.Next()
	loadedMore := false
	for next != page.Invalid && s.current.TotalLength() < uint64(maxPages) {
		s.freeMetaData[next] = struct{}{}
		loadedMore = true
		next, err = s.loadFileTablePage(next, &s.current)
		if err != nil {
			return page.Interval{}, err
		}
	}
	if loadedMore {
		s.cache.MakeDirty(s.headID)
		head.SetNext(next)
		s.current.Sort()
	}

	iv := s.current.PopFrontMax(maxPages)
	s.currentSize -= uint64(iv.Length()) * page.Size
	return iv, nil
}

// Deallocate returns a single metadata page (e.g. a superseded B-tree
// node) to the store for reuse in the next transaction.
func (s *Store) Deallocate(id page.Index) {
	s.freeMetaData[id] = struct{}{}
}

// DeleteFile schedules fd's extents to be added to the free store when
// Close runs. Deferred so the file's pages remain valid for any reader
// still using them during this transaction.
func (s *Store) DeleteFile(fd filestore.Descriptor) {
	if fd.Empty() {
		return
	}
	fd.FileSize = ((fd.FileSize + page.Size - 1) / page.Size) * page.Size
	s.filesToDelete = append(s.filesToDelete, fd)
}

// onePageOptimization folds every deleted file that spans exactly one
// FileTable page straight into freeMetaData (their sole page is a
// metadata page like any other), since loading and re-chaining a
// single-page file's contents is pure overhead. Multi-page files are left
// in filesToDelete for chainFiles to link in directly.
func (s *Store) onePageOptimization() (page.Sequence, error) {
	var is page.Sequence
	var keep []filestore.Descriptor
	for _, fd := range s.filesToDelete {
		if fd.First != fd.Last {
			keep = append(keep, fd)
			continue
		}
		next := fd.First
		for next != page.Invalid {
			n, err := s.loadFileTablePage(next, &is)
			if err != nil {
				return page.Sequence{}, err
			}
			next = n
		}
		s.freeMetaData[fd.First] = struct{}{}
	}
	s.filesToDelete = keep

	for id := range s.freeMetaData {
		is.PushBack(page.Single(id))
	}
	if !is.Empty() {
		if err := s.loadInitialIntervals(); err != nil {
			return page.Sequence{}, err
		}
	}
	s.current.MoveTo(&is)
	is.Sort()
	return is, nil
}

// pushFileTables writes is back out as a chain of FileTable pages rooted
// at the store's head page, preferring to take the extra FileTable pages
// from the front of is itself rather than growing the file — but only
// pages not in freeMetaData: when the front page is a freed metadata page,
// a fresh page comes from Cache.NewPage instead. A page taken from is is
// popped from it, so it is not also recorded as free. Pages taken
// straight from is (the non-meta branch) are often
// former stream-content pages that StreamWriter wrote directly to the
// host file, never through the cache's checksummed path, so they are
// repurposed via Cache.Repurpose rather than read back with GetPage.
func (s *Store) pushFileTables(is *page.Sequence) (filestore.Descriptor, error) {
	fd := s.descriptor
	if is.Empty() {
		return fd, nil
	}

	var curID page.Index
	var cur filestore.Table
	if s.headLoaded {
		buf, err := s.cache.GetPage(s.headID)
		if err != nil {
			return filestore.Descriptor{}, err
		}
		s.cache.MakeDirty(s.headID)
		curID = s.headID
		cur = filestore.WrapTable(buf)
	} else {
		id, buf := s.cache.NewPage()
		curID = id
		cur = filestore.NewTable(buf)
		s.headID = id
		s.headLoaded = true
	}
	cur.TransferFrom(is)

	for !is.Empty() {
		pageID := is.Front().Begin
		var nextID page.Index
		var nextBuf []byte
		if _, isMeta := s.freeMetaData[pageID]; isMeta {
			nextID, nextBuf = s.cache.NewPage()
		} else {
			is.PopFrontMax(1)
			nextID = pageID
			nextBuf = s.cache.Repurpose(nextID)
		}
		next := filestore.NewTable(nextBuf)
		next.SetNext(cur.Next())
		cur.SetNext(nextID)
		s.cache.MakeDirty(curID)

		curID = nextID
		cur = next
		cur.TransferFrom(is)
	}
	s.cache.MakeDirty(curID)

	if fd.First == fd.Last {
		fd.Last = curID
	}
	if fd.First == page.Invalid {
		fd.First = s.headID
		fd.Last = curID
	}
	return fd, nil
}

// chainFiles links prev's FileTable chain to next's, making prev's last
// page point at next's first.
func (s *Store) chainFiles(prev, next filestore.Descriptor) (filestore.Descriptor, error) {
	buf, err := s.cache.GetPage(prev.Last)
	if err != nil {
		return filestore.Descriptor{}, err
	}
	s.cache.MakeDirty(prev.Last)
	filestore.WrapTable(buf).SetNext(next.First)
	prev.Last = next.Last
	return prev, nil
}

// Close finalizes the transaction's deallocations and deletions into the
// store's on-disk chain and returns the Descriptor to persist in the next
// commit block.
func (s *Store) Close() (filestore.Descriptor, error) {
	if s.descriptor.FileSize != s.currentSize {
		if s.headLoaded {
			buf, err := s.cache.GetPage(s.headID)
			if err != nil {
				return filestore.Descriptor{}, err
			}
			s.cache.MakeDirty(s.headID)
			head := filestore.WrapTable(buf)
			if head.Next() == page.Invalid {
				s.descriptor.Last = s.descriptor.First
			}
			head.Clear()
		}
		s.descriptor.FileSize = s.currentSize
	}

	for _, fd := range s.filesToDelete {
		s.descriptor.FileSize += fd.FileSize
	}
	is, err := s.onePageOptimization()
	if err != nil {
		return filestore.Descriptor{}, err
	}
	s.descriptor.FileSize += uint64(len(s.freeMetaData)) * page.Size

	cur, err := s.pushFileTables(&is)
	if err != nil {
		return filestore.Descriptor{}, err
	}
	for _, fd := range s.filesToDelete {
		cur, err = s.chainFiles(cur, fd)
		if err != nil {
			return filestore.Descriptor{}, err
		}
	}

	s.filesToDelete = nil
	s.freeMetaData = make(map[page.Index]struct{})
	s.current.Clear()
	s.descriptor = cur
	s.currentSize = cur.FileSize
	s.headLoaded = false
	return cur, nil
}
