// Package hostfile provides the page-addressed view of the single backing
// file that every other layer of the engine builds on: reading and writing
// whole pages or sub-ranges of a page, growing the file in page-sized
// increments, and flushing/truncating it at commit boundaries.
//
// It mirrors original_source/CompoundFs/RawFileInterface.h and PosixFile.cpp:
// the cache manager never calls os.File directly, it goes through this
// narrow interface so that tests can swap in an in-memory file.
package hostfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/intellect4all/txfs/page"
)

// RawFile is the page-oriented file contract the page cache is built on.
type RawFile interface {
	// NewInterval grows the file by n pages and returns their indices.
	NewInterval(n uint32) page.Interval

	// ReadPage reads one full page into buf, which must be page.Size bytes.
	ReadPage(id page.Index, buf []byte) error

	// WritePage writes one full page from buf, which must be page.Size bytes.
	WritePage(id page.Index, buf []byte) error

	// ReadPageAt reads len(buf) bytes starting at offset within page id.
	ReadPageAt(id page.Index, offset int, buf []byte) error

	// WritePageAt writes len(buf) bytes starting at offset within page id.
	WritePageAt(id page.Index, offset int, buf []byte) error

	// ReadPages reads iv.Length() consecutive whole pages into buf.
	ReadPages(iv page.Interval, buf []byte) error

	// WritePages writes iv.Length() consecutive whole pages from buf.
	WritePages(iv page.Interval, buf []byte) error

	// FileSizeInPages returns the current size of the file in pages.
	FileSizeInPages() uint32

	// Flush persists all writes so far to stable storage.
	Flush() error

	// Truncate shrinks the file to exactly n pages.
	Truncate(n uint32) error

	// Close releases the underlying file handle.
	Close() error

	// Fd exposes the raw descriptor/handle for the lock protocol.
	Fd() uintptr
}

// OSFile is a RawFile backed by an *os.File.
type OSFile struct {
	mu   sync.Mutex
	file *os.File
	size uint32 // current size in pages
}

// Open opens (creating if necessary) path as an OSFile.
func Open(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("hostfile: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostfile: stat %s: %w", path, err)
	}
	if info.Size()%page.Size != 0 {
		f.Close()
		return nil, fmt.Errorf("hostfile: %s size %d is not page-aligned", path, info.Size())
	}
	return &OSFile{file: f, size: uint32(info.Size() / page.Size)}, nil
}

func (f *OSFile) NewInterval(n uint32) page.Interval {
	f.mu.Lock()
	defer f.mu.Unlock()
	iv := page.NewInterval(page.Index(f.size), page.Index(f.size+n))
	f.size += n
	return iv
}

func (f *OSFile) ReadPage(id page.Index, buf []byte) error {
	return f.ReadPageAt(id, 0, buf)
}

func (f *OSFile) WritePage(id page.Index, buf []byte) error {
	return f.WritePageAt(id, 0, buf)
}

func (f *OSFile) ReadPageAt(id page.Index, offset int, buf []byte) error {
	off := int64(id)*page.Size + int64(offset)
	n, err := f.file.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("hostfile: reading page %d: %w", id, err)
	}
	if n != len(buf) {
		return fmt.Errorf("hostfile: short read on page %d: got %d want %d", id, n, len(buf))
	}
	return nil
}

func (f *OSFile) WritePageAt(id page.Index, offset int, buf []byte) error {
	off := int64(id)*page.Size + int64(offset)
	n, err := f.file.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("hostfile: writing page %d: %w", id, err)
	}
	if n != len(buf) {
		return fmt.Errorf("hostfile: short write on page %d: wrote %d want %d", id, n, len(buf))
	}
	return nil
}

func (f *OSFile) ReadPages(iv page.Interval, buf []byte) error {
	want := int(iv.Length()) * page.Size
	if len(buf) < want {
		return fmt.Errorf("hostfile: buffer too small for %d pages", iv.Length())
	}
	off := int64(iv.Begin) * page.Size
	n, err := f.file.ReadAt(buf[:want], off)
	if err != nil {
		return fmt.Errorf("hostfile: reading pages %d-%d: %w", iv.Begin, iv.End, err)
	}
	if n != want {
		return fmt.Errorf("hostfile: short read on pages %d-%d", iv.Begin, iv.End)
	}
	return nil
}

func (f *OSFile) WritePages(iv page.Interval, buf []byte) error {
	want := int(iv.Length()) * page.Size
	if len(buf) < want {
		return fmt.Errorf("hostfile: buffer too small for %d pages", iv.Length())
	}
	off := int64(iv.Begin) * page.Size
	n, err := f.file.WriteAt(buf[:want], off)
	if err != nil {
		return fmt.Errorf("hostfile: writing pages %d-%d: %w", iv.Begin, iv.End, err)
	}
	if n != want {
		return fmt.Errorf("hostfile: short write on pages %d-%d", iv.Begin, iv.End)
	}
	return nil
}

func (f *OSFile) FileSizeInPages() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *OSFile) Flush() error {
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("hostfile: flush: %w", err)
	}
	return nil
}

func (f *OSFile) Truncate(n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Truncate(int64(n) * page.Size); err != nil {
		return fmt.Errorf("hostfile: truncate to %d pages: %w", n, err)
	}
	f.size = n
	return nil
}

func (f *OSFile) Close() error {
	return f.file.Close()
}

func (f *OSFile) Fd() uintptr { return f.file.Fd() }

// File exposes the underlying *os.File, e.g. for the lock protocol which
// needs the raw descriptor.
func (f *OSFile) File() *os.File { return f.file }

// Buffer is a reusable page.Size byte slice.
type Buffer = []byte

// BufferPool hands out page-sized buffers, matching the original's
// PageAllocator: reuse freed page buffers instead of allocating 4096 bytes
// on every cache miss.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates an empty pool of page-sized buffers.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{New: func() any { return make([]byte, page.Size) }},
	}
}

// Get returns a zeroed page.Size buffer.
func (p *BufferPool) Get() Buffer {
	buf := p.pool.Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns buf to the pool for reuse.
func (p *BufferPool) Put(buf Buffer) {
	if len(buf) != page.Size {
		return
	}
	p.pool.Put(buf)
}
