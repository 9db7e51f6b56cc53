// Package commitblock serializes the small fixed-size record a commit
// persists describing the free store's location, the B-tree's root page,
// and the file's logical size. Grounded on
// original_source/CompoundFs/CommitBlock.h/.cpp, extended with a TreeRoot
// field: the original's directory layer kept its B-tree root at a
// well-known fixed page (page 0, per Composit.cpp's
// "m_freeStoreIndex == 1 && m_rootIndex == 0" convention) established at
// format time, but since this repository exposes the key/value B-tree
// directly rather than through a directory layer, its root page can move
// across commits (a root split allocates a new root page), so it has to
// be tracked explicitly rather than assumed fixed.
package commitblock

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/txfs/page"
)

// version is bumped whenever the wire format changes; see CommitBlock.cpp's
// own "make it versionable" comment.
const version = 1

// Size is the exact marshaled size of a Block, in bytes.
const Size = 1 + 8 + 4 + 4 + 8 + 4 + 4

// Block is the commit block: where the free store's page chain begins and
// ends, the B-tree's current root page, how large the file logically is,
// and — carried forward from the directory layer this repository does not
// implement, but still persisted faithfully since it is part of the
// original commit block's on-disk shape — the highest folder id allocated
// so far.
type Block struct {
	FreeStoreFirst page.Index
	FreeStoreLast  page.Index
	FreeStoreSize  uint64
	CompositeSize  uint64
	MaxFolderID    uint32
	TreeRoot       page.Index
}

// Marshal encodes b into a Size-byte little-endian record.
func (b Block) Marshal() []byte {
	buf := make([]byte, Size)
	off := 0
	buf[off] = version
	off++
	binary.LittleEndian.PutUint64(buf[off:], b.FreeStoreSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(b.FreeStoreFirst))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(b.FreeStoreLast))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], b.CompositeSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], b.MaxFolderID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(b.TreeRoot))
	off += 4
	return buf
}

// Unmarshal decodes a Block from a Size-byte little-endian record produced
// by Marshal.
func Unmarshal(buf []byte) (Block, error) {
	if len(buf) < Size {
		return Block{}, fmt.Errorf("commitblock: buffer too small: got %d want %d", len(buf), Size)
	}
	off := 0
	v := buf[off]
	off++
	if v != version {
		return Block{}, fmt.Errorf("commitblock: unsupported version %d", v)
	}
	var b Block
	b.FreeStoreSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	b.FreeStoreFirst = page.Index(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	b.FreeStoreLast = page.Index(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	b.CompositeSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	b.MaxFolderID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	b.TreeRoot = page.Index(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	return b, nil
}
