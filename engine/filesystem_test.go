package engine

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/txfs/btree"
	"github.com/intellect4all/txfs/common"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return DefaultConfig(filepath.Join(t.TempDir(), "test.txfs"))
}

func TestFreshFileInsertCommitReopenFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.txfs")

	fs, err := Open(DefaultConfig(path))
	require.NoError(t, err)

	wt, err := fs.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wt.Insert([]byte("user:1001"), []byte("alice")))
	require.NoError(t, wt.Insert([]byte("user:1002"), []byte("bob")))
	require.NoError(t, wt.Commit())
	require.NoError(t, fs.Close())

	fs2, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	defer fs2.Close()

	rt, err := fs2.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	v, err := rt.Get([]byte("user:1001"))
	require.NoError(t, err)
	require.Equal(t, "alice", string(v))

	v, err = rt.Get([]byte("user:1002"))
	require.NoError(t, err)
	require.Equal(t, "bob", string(v))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	rt, err := fs.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Get([]byte("nope"))
	require.ErrorIs(t, err, btree.ErrNotFound)
}

func TestLargeSortedScanViaCursor(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	wt, err := fs.BeginWrite()
	require.NoError(t, err)
	keys := []string{"a", "c", "e", "g", "i", "k", "m", "o", "q", "s"}
	for _, k := range keys {
		require.NoError(t, wt.Insert([]byte(k), []byte("v-"+k)))
	}
	require.NoError(t, wt.Commit())

	rt, err := fs.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	cur, err := rt.Begin([]byte("e"))
	require.NoError(t, err)
	defer cur.Close()

	var got []string
	for cur.Valid() {
		got = append(got, string(cur.Key()))
		require.NoError(t, cur.Next())
	}
	require.Equal(t, []string{"e", "g", "i", "k", "m", "o", "q", "s"}, got)
}

func TestStreamWriteReadRoundTrip(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	content := make([]byte, 9000) // spans multiple pages
	for i := range content {
		content[i] = byte(i % 251)
	}

	wt, err := fs.BeginWrite()
	require.NoError(t, err)

	sw := wt.CreateStream()
	n, err := sw.Write(content)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	fd, err := sw.Close()
	require.NoError(t, err)

	require.NoError(t, wt.Insert([]byte("blob"), []byte("placeholder")))
	require.NoError(t, wt.Commit())

	rt, err := fs.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	sr, err := rt.OpenStream(fd)
	require.NoError(t, err)
	got := make([]byte, len(content))
	_, err = sr.Read(got)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestInsertDeleteReinsertReusesFreedPages(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	big := make([]byte, 200)

	wt, err := fs.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte{byte(i)}
		require.NoError(t, wt.Insert(key, big))
	}
	require.NoError(t, wt.Commit())
	sizeAfterInsert := fs.cache.RawFile().FileSizeInPages()

	wt, err = fs.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte{byte(i)}
		_, err := wt.Remove(key)
		require.NoError(t, err)
	}
	require.NoError(t, wt.Commit())

	wt, err = fs.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		key := []byte{byte(i + 100)}
		require.NoError(t, wt.Insert(key, big))
	}
	require.NoError(t, wt.Commit())
	sizeAfterReinsert := fs.cache.RawFile().FileSizeInPages()

	require.LessOrEqual(t, sizeAfterReinsert, sizeAfterInsert+10,
		"reinsert of the same volume of data should mostly reuse freed pages rather than grow the file again")
}

func TestRollbackDiscardsUncommittedWrites(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	wt, err := fs.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wt.Insert([]byte("ephemeral"), []byte("gone")))
	require.NoError(t, wt.Rollback())

	wt2, err := fs.BeginWrite()
	require.NoError(t, err)
	_, err = wt2.Get([]byte("ephemeral"))
	require.ErrorIs(t, err, btree.ErrNotFound)
	require.NoError(t, wt2.Rollback())
}

func TestAdapterPutGetDelete(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	a := NewAdapter(fs)
	require.NoError(t, a.Put([]byte("k"), []byte("v")))

	v, err := a.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	require.NoError(t, a.Delete([]byte("k")))
	_, err = a.Get([]byte("k"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)

	stats := a.Stats()
	require.EqualValues(t, 0, stats.NumKeys)
	require.Greater(t, stats.WriteCount, int64(0))
	require.Greater(t, stats.ReadCount, int64(0))
}

func TestReadOnlyOpenServesCommittedDataAndRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.txfs")

	fs, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	wt, err := fs.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wt.Insert([]byte("k"), []byte("v")))
	require.NoError(t, wt.Commit())
	require.NoError(t, fs.Close())

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	roFS, err := Open(cfg)
	require.NoError(t, err)
	defer roFS.Close()

	rt, err := roFS.BeginRead()
	require.NoError(t, err)
	defer rt.Close()
	v, err := rt.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	_, err = roFS.BeginWrite()
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestReadOnlyOpenRejectsNonexistentFile(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "missing.txfs"))
	cfg.ReadOnly = true
	_, err := Open(cfg)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestAdapterRejectsEmptyKey(t *testing.T) {
	fs, err := Open(testConfig(t))
	require.NoError(t, err)
	defer fs.Close()

	a := NewAdapter(fs)
	require.ErrorIs(t, a.Put(nil, []byte("v")), common.ErrKeyEmpty)
}
