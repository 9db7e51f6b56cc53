package filestore

import (
	"encoding/binary"

	"github.com/intellect4all/txfs/page"
)

// tableHeaderSize is {begin, end, next}: a FileTable page's data area is
// packed from the low end upward with page.Index entries, and a small
// directory of which entries open a multi-page run (as opposed to a
// singleton page) is packed from the high end downward — the same
// two-sided slot-directory idea the B-tree's node layout uses, just with a
// fixed-size entry instead of a length-prefixed one.
const tableHeaderSize = 2 + 2 + 4

// tableDataSize is the usable size of a FileTable page's data array,
// matching original_source/CompoundFs/FileTable.h's static_assert that the
// whole struct, including its trailing checksum, is exactly 4096 bytes:
// 2+2+4+4084 data +4 checksum == 4096.
const tableDataSize = payloadSize - tableHeaderSize

// payloadSize is the number of bytes usable for a FileTable's own fields,
// i.e. a page minus the trailing checksum the pagecache layer appends. See
// DESIGN.md's "Resolved ambiguity: page checksum placement".
const payloadSize = page.Size - 4

// Table is a thin view over a page buffer holding one FileTable: a run of
// extents packed as either a single page.Index (one page) or a pair of
// page.Index bounds (a contiguous run), chained to the next FileTable page
// in the stream via Next/SetNext. Exported so the free store, which shares
// the same FileTable page format to describe reclaimed space, can operate
// on it directly. Grounded on original_source/CompoundFs/FileTable.h.
type Table struct {
	buf []byte
}

// NewTable initializes buf as a fresh, empty Table.
func NewTable(buf []byte) Table {
	t := Table{buf: buf}
	t.Clear()
	t.SetNext(page.Invalid)
	return t
}

// WrapTable views an existing page buffer as a Table.
func WrapTable(buf []byte) Table { return Table{buf: buf} }

func (t Table) begin() uint16 { return binary.LittleEndian.Uint16(t.buf[0:]) }
func (t Table) end() uint16   { return binary.LittleEndian.Uint16(t.buf[2:]) }

func (t Table) setBegin(v uint16) { binary.LittleEndian.PutUint16(t.buf[0:], v) }
func (t Table) setEnd(v uint16)   { binary.LittleEndian.PutUint16(t.buf[2:], v) }

// Next returns the next FileTable page in the chain, or page.Invalid.
func (t Table) Next() page.Index {
	return page.Index(binary.LittleEndian.Uint32(t.buf[4:]))
}

// SetNext sets the next FileTable page in the chain.
func (t Table) SetNext(id page.Index) {
	binary.LittleEndian.PutUint32(t.buf[4:], uint32(id))
}

// Clear empties the table's extent list without touching Next.
func (t Table) Clear() {
	t.setBegin(0)
	t.setEnd(tableDataSize)
}

// Empty reports whether the table holds no extents.
func (t Table) Empty() bool { return t.begin() == 0 && t.end() == tableDataSize }

func (t Table) dataOff(i uint16) int { return tableHeaderSize + int(i) }

func (t Table) readID(i uint16) page.Index {
	return page.Index(binary.LittleEndian.Uint32(t.buf[t.dataOff(i*4):]))
}
func (t Table) writeID(i uint16, id page.Index) {
	binary.LittleEndian.PutUint32(t.buf[t.dataOff(i*4):], uint32(id))
}

func (t Table) hasSpace(iv page.Interval) bool {
	avail := t.end() - t.begin()
	need := uint16(4)
	if iv.Length() > 1 {
		need = 2*4 + 2
	}
	return avail >= need
}

// TransferFrom drains seq into the table, stopping (without consuming the
// interval) the moment an interval no longer fits. Used when flushing
// accumulated extents into fresh FileTable pages.
func (t Table) TransferFrom(seq *page.Sequence) {
	t.Clear()
	for !seq.Empty() {
		iv := seq.Front()
		if !t.hasSpace(iv) {
			break
		}
		idx := t.begin() / 4
		if iv.Length() > 1 {
			e := t.end() - 2
			t.setEnd(e)
			binary.LittleEndian.PutUint16(t.buf[t.dataOff(e):], idx)
			t.writeID(idx, iv.Begin)
			t.writeID(idx+1, iv.End)
			t.setBegin(t.begin() + 8)
		} else {
			t.writeID(idx, iv.Begin)
			t.setBegin(t.begin() + 4)
		}
		seq.PopFront()
	}
}

// InsertInto appends the table's extents onto seq in their original order.
func (t Table) InsertInto(seq *page.Sequence) {
	n := t.begin() / 4
	end := t.end()
	numEntries := (tableDataSize - end) / 2
	entries := make([]uint16, numEntries)
	for i := uint16(0); i < numEntries; i++ {
		addr := tableDataSize - 2 - 2*i
		entries[i] = binary.LittleEndian.Uint16(t.buf[t.dataOff(addr):])
	}
	entryPos := 0
	for i := uint16(0); i < n; i++ {
		if entryPos < len(entries) && entries[entryPos] == i {
			b := t.readID(i)
			e := t.readID(i + 1)
			seq.PushBack(page.NewInterval(b, e))
			i++
			entryPos++
		} else {
			seq.PushBack(page.Single(t.readID(i)))
		}
	}
}
