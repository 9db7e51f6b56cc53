package pagecache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/intellect4all/txfs/page"
)

// maxLogEntries bounds the number of {original,copy} pairs a single log page
// can hold so that the page fits exactly in page.Size bytes: 16 (signature)
// + 4 (size) + maxLogEntries*8 (entries) + 4 (checksum) == 4096.
const maxLogEntries = 509

// pageCopy records that the original contents of page Original were copied,
// unmodified, to page Copy before Original was overwritten during a commit.
type pageCopy struct {
	Original page.Index
	Copy     page.Index
}

// logPage is the write-ahead record written just before a commit overwrites
// original page contents. Its signature is derived deterministically from
// its own page index so that crash recovery can recognize, scanning
// backwards from the end of the file, exactly which trailing pages are logs
// belonging to the commit in progress versus unrelated leftover data.
type logPage struct {
	signature [4]uint32
	entries   []pageCopy
}

// newLogPage creates an empty log page for the given page index, deriving
// its signature the same way original_source/CompoundFs/LogPage.h does: four
// successive draws from a minimal-standard (Park-Miller) LCG seeded with the
// page index.
func newLogPage(id page.Index) *logPage {
	g := newMinstdRand(uint32(id))
	return &logPage{
		signature: [4]uint32{g.next(), g.next(), g.next(), g.next()},
	}
}

func checkLogSignature(id page.Index, sig [4]uint32) bool {
	g := newMinstdRand(uint32(id))
	return sig[0] == g.next() && sig[1] == g.next() && sig[2] == g.next() && sig[3] == g.next()
}

// pushBack appends as many entries from src as fit, returning the
// unconsumed remainder.
func (lp *logPage) pushBack(src []pageCopy) []pageCopy {
	room := maxLogEntries - len(lp.entries)
	if room <= 0 {
		return src
	}
	n := len(src)
	if n > room {
		n = room
	}
	lp.entries = append(lp.entries, src[:n]...)
	return src[n:]
}

func (lp *logPage) full() bool { return len(lp.entries) >= maxLogEntries }

// marshal serializes the log page into a page.Size buffer.
func (lp *logPage) marshal() []byte {
	buf := make([]byte, page.Size)
	off := 0
	for _, s := range lp.signature {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(lp.entries)))
	off += 4
	for _, e := range lp.entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.Original))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.Copy))
		off += 4
	}
	checksum := uint32(xxhash.Sum64(buf[:len(buf)-4]))
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], checksum)
	return buf
}

// unmarshalLogPage parses buf (page.Size bytes) into a logPage, and reports
// whether its checksum is valid. The signature is validated separately by
// the caller since the expected signature depends on where the page lives.
func unmarshalLogPage(buf []byte) (*logPage, bool) {
	if len(buf) != page.Size {
		return nil, false
	}
	checksum := uint32(xxhash.Sum64(buf[:len(buf)-4]))
	if checksum != binary.LittleEndian.Uint32(buf[len(buf)-4:]) {
		return nil, false
	}
	lp := &logPage{}
	off := 0
	for i := range lp.signature {
		lp.signature[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	size := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if size > maxLogEntries {
		return nil, false
	}
	lp.entries = make([]pageCopy, size)
	for i := range lp.entries {
		lp.entries[i].Original = page.Index(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		lp.entries[i].Copy = page.Index(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return lp, true
}

// minstdRand reproduces C++11's std::minstd_rand: a Park-Miller linear
// congruential generator, x_{n+1} = (48271 * x_n) mod (2^31 - 1).
type minstdRand struct {
	state uint64
}

func newMinstdRand(seed uint32) *minstdRand {
	s := uint64(seed) % minstdM
	if s == 0 {
		s = 1
	}
	return &minstdRand{state: s}
}

const (
	minstdA = 48271
	minstdM = 2147483647 // 2^31 - 1
)

func (g *minstdRand) next() uint32 {
	g.state = (g.state * minstdA) % minstdM
	return uint32(g.state)
}
