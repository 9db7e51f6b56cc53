package engine

import "errors"

// ErrTransactionClosed is returned by any operation attempted on a
// transaction handle after Commit, Rollback or Close has already run.
var ErrTransactionClosed = errors.New("engine: transaction already closed")

// ErrFileSystemClosed is returned by any operation attempted on a
// FileSystem after Close.
var ErrFileSystemClosed = errors.New("engine: filesystem is closed")

// ErrReadOnly is returned by BeginWrite, and by Open for a file that does
// not yet exist, when Config.ReadOnly is set.
var ErrReadOnly = errors.New("engine: filesystem opened read-only")
