package btree

import (
	"sort"

	"github.com/intellect4all/txfs/page"
)

// leafHeaderSize extends the common node header with the linked-list
// pointers every leaf keeps to its lexicographic neighbors, so a cursor can
// walk the whole key range without re-descending the tree. Grounded on
// original_source/CompoundFs/Leaf.h's m_next/m_previous members.
const leafHeaderSize = headerSize + 4 + 4

// leaf is a thin view over a page buffer laid out as a slot directory:
// key/value pairs are appended from leafHeaderSize upward (the "begin"
// cursor), and a table of 2-byte offsets into those entries is appended
// from the end of the page downward (the "end" cursor), kept sorted by key
// so lookups can binary-search the slot table directly.
type leaf struct {
	buf []byte
}

func newLeaf(buf []byte) leaf {
	l := leaf{buf: buf}
	writeHeader(buf, typeLeaf, uint16(leafHeaderSize), uint16(payloadSize))
	l.setPrev(page.Invalid)
	l.setNext(page.Invalid)
	return l
}

func wrapLeaf(buf []byte) leaf { return leaf{buf: buf} }

func (l leaf) prev() page.Index { return page.Index(readUint32(l.buf, headerSize)) }
func (l leaf) next() page.Index { return page.Index(readUint32(l.buf, headerSize+4)) }

func (l leaf) setPrev(id page.Index) { writeUint32(l.buf, headerSize, uint32(id)) }
func (l leaf) setNext(id page.Index) { writeUint32(l.buf, headerSize+4, uint32(id)) }

func (l leaf) beginEnd() (uint16, uint16) { return readHeaderBeginEnd(l.buf) }

func (l leaf) count() uint16 {
	_, end := l.beginEnd()
	return numSlots(end)
}

func (l leaf) freeSpace() uint16 {
	begin, end := l.beginEnd()
	return freeSpace(begin, end)
}

// entryAt decodes the key/value pair whose slot-table entry offset is
// stored at slot i.
func (l leaf) entryAt(i uint16) (key, value []byte) {
	off := int(readSlot(l.buf, i))
	key, next := getByteString(l.buf, off)
	value, _ = getByteString(l.buf, next)
	return key, value
}

func (l leaf) keyAt(i uint16) []byte {
	off := int(readSlot(l.buf, i))
	key, _ := getByteString(l.buf, off)
	return key
}

// find returns the slot index of key and true if present, or the index at
// which it would be inserted and false otherwise.
func (l leaf) find(key []byte) (uint16, bool) {
	n := int(l.count())
	i := sort.Search(n, func(i int) bool {
		return compareBytes(l.keyAt(uint16(i)), key) >= 0
	})
	if i < n && compareBytes(l.keyAt(uint16(i)), key) == 0 {
		return uint16(i), true
	}
	return uint16(i), false
}

func (l leaf) get(key []byte) ([]byte, bool) {
	i, ok := l.find(key)
	if !ok {
		return nil, false
	}
	_, v := l.entryAt(i)
	return v, true
}

// insert writes key/value as a new entry at the bump offset and threads a
// slot for it into the sorted slot table at the right position. Returns
// false without mutating the node if there isn't enough free space.
func (l leaf) insert(key, value []byte) bool {
	if len(key) > maxKeyValueSize || len(value) > maxKeyValueSize {
		return false
	}
	i, found := l.find(key)
	entrySize := byteStringSize(key) + byteStringSize(value)
	needed := entrySize
	if !found {
		needed += 2 // new slot-table entry
	}
	if int(l.freeSpace()) < needed {
		return false
	}
	begin, end := l.beginEnd()
	entryOff := begin
	next := putByteString(l.buf[entryOff:], key)
	putByteString(l.buf[int(entryOff)+next:], value)
	writeBegin(l.buf, begin+uint16(entrySize))

	if found {
		writeSlot(l.buf, i, entryOff)
		return true
	}
	n := numSlots(end)
	for j := n; j > i; j-- {
		writeSlot(l.buf, j, readSlot(l.buf, j-1))
	}
	writeSlot(l.buf, i, entryOff)
	writeEnd(l.buf, end-2)
	return true
}

// replaceSameSize overwrites the value bytes of the entry at slot i in
// place, without touching the bump allocator or slot table. Only valid
// when value is exactly as long as the value it replaces — the cheap path
// spec.md's insert calls out for same-size replacement.
func (l leaf) replaceSameSize(i uint16, value []byte) {
	off := int(readSlot(l.buf, i))
	_, valOff := getByteString(l.buf, off)
	putByteString(l.buf[valOff:], value)
}

// remove deletes the entry for key, if present. It does not reclaim the
// bytes the entry occupied in the bump region (compaction happens on the
// next split/rebuild); it only removes the slot-table entry, which is
// enough to make the key invisible and shrink the node's reported size.
func (l leaf) remove(key []byte) bool {
	i, found := l.find(key)
	if !found {
		return false
	}
	_, end := l.beginEnd()
	n := numSlots(end)
	for j := i; j < n-1; j++ {
		writeSlot(l.buf, j, readSlot(l.buf, j+1))
	}
	writeEnd(l.buf, end+2)
	return true
}

// rebuildInto compacts entries into dst in ascending key order, discarding
// slack left behind by removed entries.
func (l leaf) rebuildInto(dst leaf) {
	begin := uint16(leafHeaderSize)
	end := uint16(payloadSize)
	n := l.count()
	for i := uint16(0); i < n; i++ {
		k, v := l.entryAt(i)
		entryOff := begin
		next := putByteString(dst.buf[entryOff:], k)
		putByteString(dst.buf[int(entryOff)+next:], v)
		begin += uint16(byteStringSize(k) + byteStringSize(v))
		end -= 2
		writeSlot(dst.buf, i, entryOff)
	}
	writeHeader(dst.buf, typeLeaf, begin, end)
	dst.setPrev(l.prev())
	dst.setNext(l.next())
}

// splitInto moves the upper half of l's entries (by byte size, not count)
// into the fresh node right, linking right after l in the leaf chain.
// Returns the first key retained in right, which becomes the separator
// inserted into the parent.
func (l leaf) splitInto(right leaf, rightID page.Index) []byte {
	n := l.count()
	total := int(payloadSize - leafHeaderSize - int(l.freeSpace()))
	half := total / 2

	var cut uint16
	acc := 0
	for cut = 0; cut < n; cut++ {
		k, v := l.entryAt(cut)
		acc += byteStringSize(k) + byteStringSize(v)
		if acc >= half {
			cut++
			break
		}
	}

	tmp := make([]byte, page.Size)
	scratch := newLeaf(tmp)
	begin := uint16(leafHeaderSize)
	end := uint16(payloadSize)
	for i := uint16(0); i < cut; i++ {
		k, v := l.entryAt(i)
		entryOff := begin
		next := putByteString(scratch.buf[entryOff:], k)
		putByteString(scratch.buf[int(entryOff)+next:], v)
		begin += uint16(byteStringSize(k) + byteStringSize(v))
		end -= 2
		writeSlot(scratch.buf, i, entryOff)
	}
	writeHeader(scratch.buf, typeLeaf, begin, end)

	rbegin := uint16(leafHeaderSize)
	rend := uint16(payloadSize)
	for i := cut; i < n; i++ {
		k, v := l.entryAt(i)
		entryOff := rbegin
		next := putByteString(right.buf[entryOff:], k)
		putByteString(right.buf[int(entryOff)+next:], v)
		rbegin += uint16(byteStringSize(k) + byteStringSize(v))
		rend -= 2
		writeSlot(right.buf, i-cut, entryOff)
	}
	writeHeader(right.buf, typeLeaf, rbegin, rend)

	copy(l.buf, scratch.buf)
	right.setNext(l.next())
	right.setPrev(0) // caller fills in the real left-neighbor id
	l.setNext(rightID)

	firstKey := right.keyAt(0)
	cp := make([]byte, len(firstKey))
	copy(cp, firstKey)
	return cp
}

func readUint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func writeUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}
