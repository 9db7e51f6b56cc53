package engine

import "github.com/rs/zerolog"

// Config configures a FileSystem. The zero value is not usable directly;
// use DefaultConfig to get sane defaults and override individual fields.
// Mirrors the teacher's btree.Config/DefaultConfig(dataDir) shape.
type Config struct {
	// Path is the backing file to open or create.
	Path string

	// CacheSizePages bounds how many pages the page cache keeps resident
	// before it starts evicting, per pagecache.New's maxPages.
	CacheSizePages uint32

	// Logger receives structured diagnostics from the page cache and the
	// engine itself. The zero value (zerolog.Logger{}) logs nothing useful;
	// callers that want output should pass a configured logger.
	Logger zerolog.Logger

	// ReadOnly opens an existing file without ever mutating it: recovery
	// from an interrupted commit, if any, runs virtually (the diversion
	// map is seeded from the recovery logs rather than the logs being
	// replayed onto the file), and BeginWrite is rejected. Opening a file
	// that does not yet exist with ReadOnly set fails, since initializing
	// one always writes. Grounded on spec.md §4.1's two recovery modes and
	// original_source/CompoundFs/RollbackHandler.cpp's
	// virtualRevertPartialCommit.
	ReadOnly bool
}

// DefaultConfig returns a Config for path with a 256-page cache and a
// no-op logger.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		CacheSizePages: 256,
		Logger:         zerolog.Nop(),
	}
}
