// Package btree implements the on-disk B-tree: leaf and inner nodes laid
// out as a two-sided slot directory (entry bytes grow up from the start of
// the node, a sorted table of 16-bit offsets grows down from the end),
// plus the cursor and tree operations built on top of it. Grounded on
// original_source/CompoundFs/Leaf.h, InnerNode.h, Node.h and BTree.h/.cpp.
package btree

import (
	"encoding/binary"

	"github.com/intellect4all/txfs/page"
)

// nodeType distinguishes a leaf page from an inner page; stored as the
// first byte of every node's on-disk representation.
type nodeType uint8

const (
	typeUndefined nodeType = iota
	typeLeaf
	typeInner
)

// headerSize is Node's {type, begin, end} header: begin is the offset one
// past the last written entry byte (the bump allocator), end is the offset
// of the first used slot-table entry (the slot table grows down from the
// end of the page towards begin).
const headerSize = 1 + 2 + 2

// payloadSize is the number of bytes available to a node's header+body,
// i.e. the signed-page convention's usable size (page.Size minus the
// trailing checksum the pagecache layer adds). See DESIGN.md's "Resolved
// ambiguity: page checksum placement".
const payloadSize = page.Size - 4

func readNodeType(buf []byte) nodeType { return nodeType(buf[0]) }

func writeHeader(buf []byte, t nodeType, begin, end uint16) {
	buf[0] = byte(t)
	binary.LittleEndian.PutUint16(buf[1:], begin)
	binary.LittleEndian.PutUint16(buf[3:], end)
}

func readHeaderBeginEnd(buf []byte) (begin, end uint16) {
	return binary.LittleEndian.Uint16(buf[1:]), binary.LittleEndian.Uint16(buf[3:])
}

func writeBegin(buf []byte, begin uint16) { binary.LittleEndian.PutUint16(buf[1:], begin) }
func writeEnd(buf []byte, end uint16)     { binary.LittleEndian.PutUint16(buf[3:], end) }

// slotOffset returns the byte offset of the i-th slot-table entry, counting
// from the end of the payload area (payloadSize, just before the page
// checksum): slot 0 is its last two bytes, slot 1 the two before that, and
// so on.
func slotOffset(i uint16) uint16 { return uint16(payloadSize) - 2*(i+1) }

func readSlot(buf []byte, i uint16) uint16 {
	off := slotOffset(i)
	return binary.LittleEndian.Uint16(buf[off:])
}

func writeSlot(buf []byte, i uint16, entryOffset uint16) {
	off := slotOffset(i)
	binary.LittleEndian.PutUint16(buf[off:], entryOffset)
}

// numSlots derives the slot count from the header's end offset: the slot
// table occupies [end, payloadSize).
func numSlots(end uint16) uint16 {
	return (uint16(payloadSize) - end) / 2
}

// freeSpace returns the number of unused bytes between the entry bump
// allocator (begin) and the slot table (end).
func freeSpace(begin, end uint16) uint16 {
	if end < begin {
		return 0
	}
	return end - begin
}
