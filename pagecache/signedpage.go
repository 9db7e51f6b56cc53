package pagecache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/intellect4all/txfs/hostfile"
	"github.com/intellect4all/txfs/page"
)

// signedPageDataSize is the number of usable payload bytes in a signed
// page; the trailing 4 bytes of every page.Size buffer hold an xxhash-based
// checksum. See DESIGN.md's "Resolved ambiguity: page checksum placement".
const signedPageDataSize = page.Size - 4

// addChecksum computes and writes the checksum for a page.Size buffer,
// covering signedPageDataSize leading bytes.
func addChecksum(buf []byte) {
	sum := uint32(xxhash.Sum64(buf[:signedPageDataSize]))
	binary.LittleEndian.PutUint32(buf[signedPageDataSize:], sum)
}

// validChecksum reports whether buf's trailing checksum matches its content.
func validChecksum(buf []byte) bool {
	sum := uint32(xxhash.Sum64(buf[:signedPageDataSize]))
	return sum == binary.LittleEndian.Uint32(buf[signedPageDataSize:])
}

// readSignedPage reads page id into buf and validates its checksum.
func readSignedPage(f hostfile.RawFile, id page.Index, buf []byte) error {
	if err := f.ReadPage(id, buf); err != nil {
		return err
	}
	if !validChecksum(buf) {
		return fmt.Errorf("%w: page %d", ErrChecksumMismatch, id)
	}
	return nil
}

// writeSignedPage stamps buf's checksum and writes it to page id.
func writeSignedPage(f hostfile.RawFile, id page.Index, buf []byte) error {
	addChecksum(buf)
	return f.WritePage(id, buf)
}

// copyPageContents copies the signed contents of page from to page to.
func copyPageContents(f hostfile.RawFile, pool *hostfile.BufferPool, from, to page.Index) error {
	buf := pool.Get()
	defer pool.Put(buf)
	if err := readSignedPage(f, from, buf); err != nil {
		return err
	}
	return f.WritePage(to, buf)
}
