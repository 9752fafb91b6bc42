// Package fs provides the host file abstraction under image-backed disks.
//
//   - [File]: a positional read/write backing file
//   - [FileSystem]: open, remove, stat and mkdir on the host
//
// [LocalFS] is the production implementation. [FaultyFS] wraps another
// FileSystem and injects read, write, sync or open failures so disk error
// paths can be exercised:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".hwpart1", fs.Fault{FailAfterBytes: 0})
//
// The package takes no context.Context: positional file I/O is not
// interruptible at the syscall level.
package fs
