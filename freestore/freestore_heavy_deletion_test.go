package freestore

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/txfs/filestore"
	"github.com/intellect4all/txfs/hostfile"
	"github.com/intellect4all/txfs/page"
	"github.com/intellect4all/txfs/pagecache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *pagecache.Cache {
	t.Helper()
	dir := t.TempDir()
	raw, err := hostfile.Open(filepath.Join(dir, "free.fs"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return pagecache.New(raw, 64, zerolog.Nop())
}

// TestHeavyDeletionReclaimsRawWrittenContentPages deletes a file whose
// content pages were written directly to the host file by
// filestore.StreamWriter (bypassing the cache's checksummed page path
// entirely), heavily enough that the deleted file's own FileTable folds
// into a single page and its content extents land in the free store's
// reclaimed sequence. The 41 reclaimed pages fit in one FileTable page, so
// Close stores them in a single fresh head table and pushFileTables'
// non-meta Repurpose branch is not reached; the test checks that Close and
// a following Allocate succeed without reading the unsigned content pages
// back through the checksum-verifying pagecache.Cache.GetPage.
func TestHeavyDeletionReclaimsRawWrittenContentPages(t *testing.T) {
	cache := newTestCache(t)

	sw := filestore.Create(cache)
	content := make([]byte, 40*page.Size)
	n, err := sw.Write(content)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	fd, err := sw.Close()
	require.NoError(t, err)
	require.Equal(t, fd.First, fd.Last, "content this size should fold into a single FileTable page")

	store := NewEmpty(cache)
	store.DeleteFile(fd)

	freeFD, err := store.Close()
	require.NoError(t, err)
	require.False(t, freeFD.Empty())

	// The deleted file's 40 content pages, written raw by StreamWriter,
	// must now be reachable as free pages without tripping a checksum
	// error when re-allocated.
	iv, err := store.Allocate(40)
	require.NoError(t, err)
	require.GreaterOrEqual(t, iv.Length(), uint32(1))
}

// TestHeavyDeletionManyFilesForcesRepeatedReuse deletes many small streams
// in a row, each folding into its own single-page FileTable, and repeats
// that across five delete/Close rounds on the same Store — the
// same delete-then-reclaim workload the review called out as needing
// dedicated coverage.
func TestHeavyDeletionManyFilesForcesRepeatedReuse(t *testing.T) {
	cache := newTestCache(t)
	store := NewEmpty(cache)

	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			sw := filestore.Create(cache)
			content := make([]byte, 3*page.Size)
			_, err := sw.Write(content)
			require.NoError(t, err)
			fd, err := sw.Close()
			require.NoError(t, err)
			store.DeleteFile(fd)
		}
		_, err := store.Close()
		require.NoError(t, err, "reclaiming raw-written content pages must not raise a checksum error")
	}
}
