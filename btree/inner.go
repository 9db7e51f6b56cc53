package btree

import (
	"sort"

	"github.com/intellect4all/txfs/page"
)

// innerHeaderSize extends the common node header with the leftmost child
// pointer: an inner node with N separator keys has N+1 children, and the
// 0th child (for all keys less than the first separator) has no key of its
// own to hang off, so it's kept in the header instead of the entry table.
// Grounded on original_source/CompoundFs/InnerNode.h's m_begin member.
const innerHeaderSize = headerSize + 4

// inner is a slot-directory view over an inner-node page: each slot's
// entry is a separator key followed by the page.Index of the child
// containing keys >= that separator (and < the next one).
type inner struct {
	buf []byte
}

func newInner(buf []byte, leftmost page.Index) inner {
	n := inner{buf: buf}
	writeHeader(buf, typeInner, uint16(innerHeaderSize), uint16(payloadSize))
	n.setLeftmost(leftmost)
	return n
}

func wrapInner(buf []byte) inner { return inner{buf: buf} }

func (n inner) leftmost() page.Index { return page.Index(readUint32(n.buf, headerSize)) }
func (n inner) setLeftmost(id page.Index) { writeUint32(n.buf, headerSize, uint32(id)) }

func (n inner) beginEnd() (uint16, uint16) { return readHeaderBeginEnd(n.buf) }

func (n inner) count() uint16 {
	_, end := n.beginEnd()
	return numSlots(end)
}

func (n inner) freeSpace() uint16 {
	begin, end := n.beginEnd()
	return freeSpace(begin, end)
}

func (n inner) entryAt(i uint16) (key []byte, child page.Index) {
	off := int(readSlot(n.buf, i))
	key, next := getByteString(n.buf, off)
	child = page.Index(readUint32(n.buf, next))
	return key, child
}

func (n inner) keyAt(i uint16) []byte {
	off := int(readSlot(n.buf, i))
	key, _ := getByteString(n.buf, off)
	return key
}

// findChild returns the child page responsible for key: the last
// separator not greater than key, or the leftmost child if key precedes
// every separator.
func (n inner) findChild(key []byte) page.Index {
	cnt := int(n.count())
	i := sort.Search(cnt, func(i int) bool {
		return compareBytes(n.keyAt(uint16(i)), key) > 0
	})
	if i == 0 {
		return n.leftmost()
	}
	_, child := n.entryAt(uint16(i - 1))
	return child
}

// findChildIndex is findChild, but also returns the child's position among
// [0, childCount()) so the caller can locate its siblings for
// merge/redistribute.
func (n inner) findChildIndex(key []byte) (idx uint16, child page.Index) {
	cnt := int(n.count())
	i := sort.Search(cnt, func(i int) bool {
		return compareBytes(n.keyAt(uint16(i)), key) > 0
	})
	return uint16(i), n.childAt(uint16(i))
}

// insertSeparator inserts (key, child) as a new separator. Returns false
// without mutating the node if there isn't room.
func (n inner) insertSeparator(key []byte, child page.Index) bool {
	if len(key) > maxKeyValueSize {
		return false
	}
	cnt := int(n.count())
	i := sort.Search(cnt, func(i int) bool {
		return compareBytes(n.keyAt(uint16(i)), key) >= 0
	})
	found := i < cnt && compareBytes(n.keyAt(uint16(i)), key) == 0
	entrySize := byteStringSize(key) + 4
	needed := entrySize
	if !found {
		needed += 2
	}
	if int(n.freeSpace()) < needed {
		return false
	}

	begin, end := n.beginEnd()
	entryOff := begin
	next := putByteString(n.buf[entryOff:], key)
	writeUint32(n.buf, int(entryOff)+next, uint32(child))
	writeBegin(n.buf, begin+uint16(entrySize))

	if found {
		writeSlot(n.buf, uint16(i), entryOff)
		return true
	}
	slots := numSlots(end)
	for j := slots; j > uint16(i); j-- {
		writeSlot(n.buf, j, readSlot(n.buf, j-1))
	}
	writeSlot(n.buf, uint16(i), entryOff)
	writeEnd(n.buf, end-2)
	return true
}

// removeSeparator deletes the entry for key. Used when the child it routed
// to has been merged away.
func (n inner) removeSeparator(key []byte) bool {
	cnt := int(n.count())
	i := sort.Search(cnt, func(i int) bool {
		return compareBytes(n.keyAt(uint16(i)), key) >= 0
	})
	if i >= cnt || compareBytes(n.keyAt(uint16(i)), key) != 0 {
		return false
	}
	_, end := n.beginEnd()
	slots := numSlots(end)
	for j := uint16(i); j < slots-1; j++ {
		writeSlot(n.buf, j, readSlot(n.buf, j+1))
	}
	writeEnd(n.buf, end+2)
	return true
}

func (n inner) empty() bool { return n.count() == 0 }

// childCount returns the number of children: one more than the number of
// separator keys, since the leftmost child has no separator of its own.
func (n inner) childCount() uint16 { return n.count() + 1 }

// childAt returns the i-th child pointer, where i ranges over
// [0, childCount()) and i==0 is the leftmost child.
func (n inner) childAt(i uint16) page.Index {
	if i == 0 {
		return n.leftmost()
	}
	_, c := n.entryAt(i - 1)
	return c
}

// splitInto distributes n's entries across n and a fresh right node. The
// middle separator key is promoted to the parent (it is not duplicated in
// either child); right's leftmost child becomes the promoted entry's
// child pointer.
func (n inner) splitInto(right inner) (promoted []byte) {
	cnt := n.count()
	total := int(payloadSize - innerHeaderSize - int(n.freeSpace()))
	half := total / 2

	var mid uint16
	acc := 0
	for mid = 0; mid < cnt; mid++ {
		k, _ := n.entryAt(mid)
		acc += byteStringSize(k) + 4
		if acc >= half {
			break
		}
	}

	midKey, midChild := n.entryAt(mid)
	promoted = append([]byte(nil), midKey...)

	tmp := make([]byte, page.Size)
	scratch := newInner(tmp, n.leftmost())
	begin := uint16(innerHeaderSize)
	end := uint16(payloadSize)
	for i := uint16(0); i < mid; i++ {
		k, c := n.entryAt(i)
		entryOff := begin
		next := putByteString(scratch.buf[entryOff:], k)
		writeUint32(scratch.buf, int(entryOff)+next, uint32(c))
		begin += uint16(byteStringSize(k) + 4)
		end -= 2
		writeSlot(scratch.buf, i, entryOff)
	}
	writeHeader(scratch.buf, typeInner, begin, end)

	right.setLeftmost(midChild)
	rbegin := uint16(innerHeaderSize)
	rend := uint16(payloadSize)
	for i := mid + 1; i < cnt; i++ {
		k, c := n.entryAt(i)
		entryOff := rbegin
		next := putByteString(right.buf[entryOff:], k)
		writeUint32(right.buf, int(entryOff)+next, uint32(c))
		rbegin += uint16(byteStringSize(k) + 4)
		rend -= 2
		writeSlot(right.buf, i-mid-1, entryOff)
	}
	writeHeader(right.buf, typeInner, rbegin, rend)

	copy(n.buf, scratch.buf)
	return promoted
}
