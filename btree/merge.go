package btree

import "github.com/intellect4all/txfs/page"

// This file holds the sibling-merge and redistribution helpers used by
// Tree.Remove to repair underflowed nodes. Grounded on
// original_source/CompoundFs/Leaf.h and InnerNode.h's canMergeWith/
// mergeWith/redistribute trio: two siblings merge when their combined
// entries fit a single page, otherwise the larger one gives up roughly
// half its size difference to the smaller one and the parent's separator
// is rewritten to match.

// usedBytes reports how many payload bytes (including the per-entry slot
// table) a leaf currently occupies.
func (l leaf) usedBytes() uint16 {
	return uint16(payloadSize) - l.freeSpace()
}

func (n inner) usedBytes() uint16 {
	return uint16(payloadSize) - n.freeSpace()
}

// canMergeWith reports whether l and right's combined entries fit in one
// leaf page.
func (l leaf) canMergeWith(right leaf) bool {
	combined := int(l.usedBytes()-leafHeaderSize) + int(right.usedBytes()-leafHeaderSize)
	return leafHeaderSize+combined <= payloadSize
}

// mergeFrom rebuilds l in place to hold l's entries followed by right's,
// relinking the leaf chain so that l.next() becomes right.next(). The
// caller is responsible for repointing right.next()'s prev pointer (it
// lives on a different page) and for freeing right's page.
func (l leaf) mergeFrom(right leaf) {
	tmp := make([]byte, page.Size)
	scratch := newLeaf(tmp)
	begin := uint16(leafHeaderSize)
	end := uint16(payloadSize)
	slot := uint16(0)
	for i := uint16(0); i < l.count(); i++ {
		k, v := l.entryAt(i)
		off := begin
		next := putByteString(scratch.buf[off:], k)
		putByteString(scratch.buf[int(off)+next:], v)
		begin += uint16(byteStringSize(k) + byteStringSize(v))
		end -= 2
		writeSlot(scratch.buf, slot, off)
		slot++
	}
	for i := uint16(0); i < right.count(); i++ {
		k, v := right.entryAt(i)
		off := begin
		next := putByteString(scratch.buf[off:], k)
		putByteString(scratch.buf[int(off)+next:], v)
		begin += uint16(byteStringSize(k) + byteStringSize(v))
		end -= 2
		writeSlot(scratch.buf, slot, off)
		slot++
	}
	writeHeader(scratch.buf, typeLeaf, begin, end)
	scratch.setPrev(l.prev())
	scratch.setNext(right.next())
	copy(l.buf, scratch.buf)
}

// redistributeWith shifts entries between l and right so their combined
// bytes are split roughly evenly, then returns the new separator key (the
// first key retained in right) for the caller to install in the parent.
func (l leaf) redistributeWith(right leaf) []byte {
	type entry struct{ k, v []byte }
	all := make([]entry, 0, int(l.count())+int(right.count()))
	for i := uint16(0); i < l.count(); i++ {
		k, v := l.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	for i := uint16(0); i < right.count(); i++ {
		k, v := right.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	total := 0
	for _, e := range all {
		total += byteStringSize(e.k) + byteStringSize(e.v)
	}
	half := total / 2

	cut := 0
	acc := 0
	for ; cut < len(all); cut++ {
		acc += byteStringSize(all[cut].k) + byteStringSize(all[cut].v)
		if acc >= half {
			cut++
			break
		}
	}

	writeHeader(l.buf, typeLeaf, leafHeaderSize, payloadSize)
	begin := uint16(leafHeaderSize)
	end := uint16(payloadSize)
	for i, e := range all[:cut] {
		off := begin
		next := putByteString(l.buf[off:], e.k)
		putByteString(l.buf[int(off)+next:], e.v)
		begin += uint16(byteStringSize(e.k) + byteStringSize(e.v))
		end -= 2
		writeSlot(l.buf, uint16(i), off)
	}
	writeHeader(l.buf, typeLeaf, begin, end)

	writeHeader(right.buf, typeLeaf, leafHeaderSize, payloadSize)
	begin = uint16(leafHeaderSize)
	end = uint16(payloadSize)
	for i, e := range all[cut:] {
		off := begin
		nxt := putByteString(right.buf[off:], e.k)
		putByteString(right.buf[int(off)+nxt:], e.v)
		begin += uint16(byteStringSize(e.k) + byteStringSize(e.v))
		end -= 2
		writeSlot(right.buf, uint16(i), off)
	}
	writeHeader(right.buf, typeLeaf, begin, end)
	// prev/next pointers live outside the header bytes writeHeader touches,
	// so both leaves keep their existing chain links unchanged.

	return append([]byte(nil), all[cut].k...)
}

// canMergeWith reports whether n and right's combined separators (plus the
// one separator key demoted from the parent) fit in one inner page.
func (n inner) canMergeWith(right inner, parentKey []byte) bool {
	combined := int(n.usedBytes()-innerHeaderSize) + int(right.usedBytes()-innerHeaderSize) + byteStringSize(parentKey) + 4 + 2
	return innerHeaderSize+combined <= payloadSize
}

// mergeFrom rebuilds n in place to hold n's entries, the demoted parent
// separator (now pointing at right's former leftmost child), and right's
// entries.
func (n inner) mergeFrom(parentKey []byte, right inner) {
	type entry struct {
		k []byte
		c page.Index
	}
	all := make([]entry, 0, 1+int(n.count())+int(right.count()))
	for i := uint16(0); i < n.count(); i++ {
		k, c := n.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), c})
	}
	all = append(all, entry{append([]byte(nil), parentKey...), right.leftmost()})
	for i := uint16(0); i < right.count(); i++ {
		k, c := right.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), c})
	}

	leftmost := n.leftmost()
	writeHeader(n.buf, typeInner, innerHeaderSize, payloadSize)
	n.setLeftmost(leftmost)
	begin := uint16(innerHeaderSize)
	end := uint16(payloadSize)
	for i, e := range all {
		off := begin
		next := putByteString(n.buf[off:], e.k)
		writeUint32(n.buf, int(off)+next, uint32(e.c))
		begin += uint16(byteStringSize(e.k) + 4)
		end -= 2
		writeSlot(n.buf, uint16(i), off)
	}
	writeHeader(n.buf, typeInner, begin, end)
}

// redistributeWith shifts separators between n and right so their
// combined size (including the demoted parent key) splits roughly evenly,
// returning the new parent separator.
func (n inner) redistributeWith(parentKey []byte, right inner) []byte {
	type entry struct {
		k []byte
		c page.Index
	}
	all := make([]entry, 0, 1+int(n.count())+int(right.count()))
	for i := uint16(0); i < n.count(); i++ {
		k, c := n.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), c})
	}
	all = append(all, entry{append([]byte(nil), parentKey...), right.leftmost()})
	for i := uint16(0); i < right.count(); i++ {
		k, c := right.entryAt(i)
		all = append(all, entry{append([]byte(nil), k...), c})
	}

	total := 0
	for _, e := range all {
		total += byteStringSize(e.k) + 4
	}
	half := total / 2
	cut := 0
	acc := 0
	for ; cut < len(all); cut++ {
		acc += byteStringSize(all[cut].k) + 4
		if acc >= half {
			break
		}
	}
	if cut >= len(all) {
		cut = len(all) - 1
	}

	newParentKey := append([]byte(nil), all[cut].k...)
	leftPart := all[:cut]
	rightLeftmost := all[cut].c
	rightPart := all[cut+1:]

	leftLeftmost := n.leftmost()
	writeHeader(n.buf, typeInner, innerHeaderSize, payloadSize)
	n.setLeftmost(leftLeftmost)
	begin := uint16(innerHeaderSize)
	end := uint16(payloadSize)
	for i, e := range leftPart {
		off := begin
		next := putByteString(n.buf[off:], e.k)
		writeUint32(n.buf, int(off)+next, uint32(e.c))
		begin += uint16(byteStringSize(e.k) + 4)
		end -= 2
		writeSlot(n.buf, uint16(i), off)
	}
	writeHeader(n.buf, typeInner, begin, end)

	writeHeader(right.buf, typeInner, innerHeaderSize, payloadSize)
	right.setLeftmost(rightLeftmost)
	begin = uint16(innerHeaderSize)
	end = uint16(payloadSize)
	for i, e := range rightPart {
		off := begin
		next := putByteString(right.buf[off:], e.k)
		writeUint32(right.buf, int(off)+next, uint32(e.c))
		begin += uint16(byteStringSize(e.k) + 4)
		end -= 2
		writeSlot(right.buf, uint16(i), off)
	}
	writeHeader(right.buf, typeInner, begin, end)

	return newParentKey
}
