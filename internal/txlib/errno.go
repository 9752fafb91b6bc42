// Package txlib is a transactional filesystem addressed by volume name.
//
// Changes are made to a working state in memory. A transaction point
// writes the whole working state as one LZ4-framed image into the commit
// slot not holding the newest image, and only then publishes it by
// writing the slot header. Mount picks the valid header with the highest
// sequence number, so a volume always reopens at its last transaction
// point.
//
// The library keeps global state: a volume table and a handle table
// shared by all volumes. Every entry point takes the library mutex, so
// callers need no locking of their own.
package txlib

import "fmt"

// Errno is a library error number. The values match Linux errno.
type Errno int

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	EIO          Errno = 5
	EBADF        Errno = 9
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	EXDEV        Errno = 18
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	EMFILE       Errno = 24
	EFBIG        Errno = 27
	ENOSPC       Errno = 28
	ENAMETOOLONG Errno = 36
	ENOTEMPTY    Errno = 39
	ENODATA      Errno = 61
	EUSERS       Errno = 87
)

var errnoNames = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "i/o error",
	EBADF:        "bad handle",
	EBUSY:        "volume busy",
	EEXIST:       "file exists",
	EXDEV:        "cross-volume link",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open handles",
	EFBIG:        "file too large",
	ENOSPC:       "volume full",
	ENAMETOOLONG: "name too long",
	ENOTEMPTY:    "directory not empty",
	ENODATA:      "no data",
	EUSERS:       "too many volumes",
}

func (e Errno) Error() string {
	if s, ok := errnoNames[e]; ok {
		return "txlib: " + s
	}
	return fmt.Sprintf("txlib: errno %d", int(e))
}

// Open flags.
const (
	ORDONLY = 0x01
	OWRONLY = 0x02
	ORDWR   = 0x04
	OAPPEND = 0x08
	OCREAT  = 0x10
	OEXCL   = 0x20
	OTRUNC  = 0x40

	oAccess = ORDONLY | OWRONLY | ORDWR
)

// Mode type bits reported by Stat.
const (
	ModeDir = 0o040000
	ModeReg = 0o100000
)

// TransMask selects the operations that end with a transaction point.
type TransMask uint32

const (
	TransUmount TransMask = 1 << iota
	TransCreat
	TransUnlink
	TransMkdir
	TransRename
	TransClose
	TransWrite
	TransFsync
	TransTruncate

	// TransDefault commits on every namespace change, close, fsync and
	// unmount.
	TransDefault = TransUmount | TransCreat | TransUnlink | TransMkdir |
		TransRename | TransClose | TransFsync
	TransManual TransMask = 0
)

// Stat describes a file or directory.
type Stat struct {
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Size  int64
	Mtime int64
}

// IsDir reports whether the entry is a directory.
func (s *Stat) IsDir() bool { return s.Mode&ModeDir != 0 }

// DirEnt is one directory entry.
type DirEnt struct {
	Name string
	Stat Stat
}

// StatFS describes volume usage.
type StatFS struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	Files       uint64
	NameMax     uint32
	Transaction uint64
}
