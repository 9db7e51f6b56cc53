package filestore

import (
	"io"

	"github.com/intellect4all/txfs/page"
	"github.com/intellect4all/txfs/pagecache"
)

// StreamReader reads a file stream written by StreamWriter back out in
// order, walking its FileTable chain as extents are consumed. Grounded on
// original_source/CompoundFs/FileReader.h.
type StreamReader struct {
	cache     *pagecache.Cache
	seq       page.Sequence
	curPos    uint64
	fileSize  uint64
	nextTable page.Index
}

// Open begins reading fd from its first byte.
func Open(cache *pagecache.Cache, fd Descriptor) (*StreamReader, error) {
	r := &StreamReader{cache: cache, fileSize: fd.FileSize, nextTable: page.Invalid}
	if fd.Empty() {
		return r, nil
	}
	buf, err := cache.GetPage(fd.First)
	if err != nil {
		return nil, err
	}
	t := WrapTable(buf)
	t.InsertInto(&r.seq)
	r.nextTable = t.Next()
	return r, nil
}

// nextInterval returns up to maxSize pages of the next extent, pulling in
// the next FileTable page when the in-memory sequence runs dry. Passing
// maxSize 0 peeks at the next page's id without consuming it.
func (r *StreamReader) nextInterval(maxSize uint32) (page.Interval, error) {
	if r.seq.Empty() {
		if r.nextTable == page.Invalid {
			return page.NewInterval(page.Invalid, page.Invalid), nil
		}
		buf, err := r.cache.GetPage(r.nextTable)
		if err != nil {
			return page.Interval{}, err
		}
		t := WrapTable(buf)
		t.InsertInto(&r.seq)
		r.nextTable = t.Next()
	}
	return r.seq.PopFrontMax(maxSize), nil
}

// Read implements io.Reader.
func (r *StreamReader) Read(p []byte) (int, error) {
	remaining := r.fileSize - r.curPos
	blockSize := len(p)
	if uint64(blockSize) > remaining {
		blockSize = int(remaining)
	}
	if blockSize == 0 {
		return 0, io.EOF
	}

	f := r.cache.RawFile()
	total := 0

	if r.curPos%page.Size != 0 {
		pageOffset := int(r.curPos % page.Size)
		pageID := r.seq.Front().Begin
		if pageOffset+blockSize >= page.Size {
			n := page.Size - pageOffset
			if err := f.ReadPageAt(pageID, pageOffset, p[:n]); err != nil {
				return 0, err
			}
			total += n
			if _, err := r.nextInterval(1); err != nil {
				return 0, err
			}
		} else {
			if err := f.ReadPageAt(pageID, pageOffset, p[:blockSize]); err != nil {
				return 0, err
			}
			total += blockSize
		}
	}

	remainingPages := (blockSize - total) / page.Size
	for remainingPages > 0 {
		iv, err := r.nextInterval(uint32(remainingPages))
		if err != nil {
			return total, err
		}
		n := int(iv.Length()) * page.Size
		if err := f.ReadPages(iv, p[total:total+n]); err != nil {
			return total, err
		}
		total += n
		remainingPages -= int(iv.Length())
	}

	if blockSize-total > 0 {
		iv, err := r.nextInterval(0)
		if err != nil {
			return total, err
		}
		if err := f.ReadPageAt(iv.Begin, 0, p[total:blockSize]); err != nil {
			return total, err
		}
		total = blockSize
	}

	r.curPos += uint64(total)
	return total, nil
}

// BytesLeft returns how many bytes remain to be read.
func (r *StreamReader) BytesLeft() uint64 { return r.fileSize - r.curPos }

// Size returns the stream's total byte length.
func (r *StreamReader) Size() uint64 { return r.fileSize }
