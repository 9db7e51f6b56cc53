package filestore

import (
	"github.com/intellect4all/txfs/page"
	"github.com/intellect4all/txfs/pagecache"
)

// defaultHighWaterMark bounds how many extents a StreamWriter accumulates
// in memory before flushing them into FileTable pages, matching
// original_source/CompoundFs/FileWriter.h's default.
const defaultHighWaterMark = 250000

// StreamWriter appends bytes to a file stream, allocating pages directly
// from the backing file (bypassing the page cache's Read/New/Dirty
// bookkeeping, since bulk file content is written once and never
// revisited the way B-tree nodes are) while its FileTable pages — which
// describe where that content lives — go through the cache like any other
// node, so they participate in commit/rollback normally. Grounded on
// original_source/CompoundFs/FileWriter.h.
type StreamWriter struct {
	cache         *pagecache.Cache
	seq           page.Sequence
	descriptor    Descriptor
	tableID       page.Index
	hasTable      bool
	highWaterMark int
}

// Create starts a new, empty stream.
func Create(cache *pagecache.Cache) *StreamWriter {
	return &StreamWriter{cache: cache, highWaterMark: defaultHighWaterMark, descriptor: Descriptor{First: page.Invalid, Last: page.Invalid}}
}

// OpenAppend resumes writing at the end of an existing stream.
func OpenAppend(cache *pagecache.Cache, fd Descriptor) (*StreamWriter, error) {
	w := &StreamWriter{cache: cache, highWaterMark: defaultHighWaterMark, descriptor: fd}
	if fd.Empty() {
		w.descriptor = Descriptor{First: page.Invalid, Last: page.Invalid}
		return w, nil
	}
	buf, err := cache.GetPage(fd.Last)
	if err != nil {
		return nil, err
	}
	WrapTable(buf).InsertInto(&w.seq)
	w.tableID = fd.Last
	w.hasTable = true
	return w, nil
}

// Write appends p to the stream, implementing io.Writer.
func (w *StreamWriter) Write(p []byte) (int, error) {
	blockSize := len(p)
	f := w.cache.RawFile()

	if w.descriptor.FileSize%page.Size != 0 {
		pageOffset := int(w.descriptor.FileSize % page.Size)
		n := page.Size - pageOffset
		if n > len(p) {
			n = len(p)
		}
		lastID := w.seq.Back().End - 1
		if err := f.WritePageAt(lastID, pageOffset, p[:n]); err != nil {
			return 0, err
		}
		p = p[n:]
	}

	pages := len(p) / page.Size
	for pages > 0 {
		iv := f.NewInterval(uint32(pages))
		w.seq.PushBack(iv)
		n := int(iv.Length()) * page.Size
		if err := f.WritePages(iv, p[:n]); err != nil {
			return 0, err
		}
		p = p[n:]
		pages -= int(iv.Length())
	}

	if len(p) > 0 {
		iv := f.NewInterval(1)
		w.seq.PushBack(iv)
		if err := f.WritePageAt(iv.Begin, 0, p); err != nil {
			return 0, err
		}
	}

	w.descriptor.FileSize += uint64(blockSize)

	if w.seq.Size() >= w.highWaterMark {
		if err := w.pushFileTable(); err != nil {
			return 0, err
		}
		buf, err := w.cache.GetPage(w.tableID)
		if err != nil {
			return 0, err
		}
		WrapTable(buf).InsertInto(&w.seq)
	}

	return blockSize, nil
}

// pushFileTable flushes w.seq into one or more FileTable pages, chaining
// them off the current tail table.
func (w *StreamWriter) pushFileTable() error {
	if w.seq.Empty() {
		return nil
	}

	var curID page.Index
	var cur Table
	if w.hasTable {
		buf, err := w.cache.GetPage(w.tableID)
		if err != nil {
			return err
		}
		w.cache.MakeDirty(w.tableID)
		curID = w.tableID
		cur = WrapTable(buf)
	} else {
		id, buf := w.cache.NewPage()
		curID = id
		cur = NewTable(buf)
	}
	cur.TransferFrom(&w.seq)

	if w.descriptor.First == page.Invalid {
		w.descriptor.First = curID
	}

	for !w.seq.Empty() {
		nextID, nextBuf := w.cache.NewPage()
		next := NewTable(nextBuf)
		next.TransferFrom(&w.seq)
		cur.SetNext(nextID)
		w.cache.MakeDirty(curID)
		curID = nextID
		cur = next
	}
	w.cache.MakeDirty(curID)

	w.tableID = curID
	w.hasTable = true
	return nil
}

// Close flushes any pending extents and returns the stream's Descriptor.
func (w *StreamWriter) Close() (Descriptor, error) {
	if err := w.pushFileTable(); err != nil {
		return Descriptor{}, err
	}
	if w.hasTable {
		w.descriptor.Last = w.tableID
	}
	return w.descriptor, nil
}

// Size returns the number of bytes written so far.
func (w *StreamWriter) Size() uint64 { return w.descriptor.FileSize }
