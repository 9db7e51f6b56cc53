// Package filestore implements extent-based file streams on top of a
// pagecache.Cache: a FileDescriptor names a chain of FileTable pages, each
// packing a run of page.Interval extents, and StreamWriter/StreamReader
// turn that chain into a plain io.Writer/io.Reader. Grounded on
// original_source/CompoundFs/FileTable.h, FileWriter.h and FileReader.h.
package filestore

import "github.com/intellect4all/txfs/page"

// Descriptor names a file's extent chain: the first and last FileTable
// page in the chain, and the file's logical byte size. An empty file has
// First and Last set to page.Invalid and FileSize 0; the zero value names
// page 0 and is not empty.
type Descriptor struct {
	First    page.Index
	Last     page.Index
	FileSize uint64
}

// Empty reports whether d denotes a file with no extents at all (as
// opposed to a zero-length file that still owns a FileTable page).
func (d Descriptor) Empty() bool {
	return d.First == page.Invalid && d.Last == page.Invalid && d.FileSize == 0
}
