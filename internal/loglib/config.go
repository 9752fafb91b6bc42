// Package loglib is a log-structured filesystem for flash and eMMC parts.
//
// The volume is a superblock followed by two log halves. Every metadata or
// data change is appended to the active half as a CRC-framed record; mount
// replays the records of the current generation. When the active half is
// full, the live state is rewritten into the other half under a new
// generation and the superblock is switched, so a power cut at any point
// leaves either the old or the new generation intact.
//
// The API follows the callback style of embedded filesystems: the caller
// supplies block I/O and lock callbacks in a Config, and every call takes
// the lock for its full duration.
package loglib

import "fmt"

// Config describes the block device and the callbacks into the host.
type Config struct {
	// Context is passed back to the callbacks untouched.
	Context any

	Read   func(c *Config, block, off uint32, buf []byte) error
	Prog   func(c *Config, block, off uint32, buf []byte) error
	Erase  func(c *Config, block uint32) error
	Sync   func(c *Config) error
	Lock   func(c *Config) error
	Unlock func(c *Config) error

	// ProgSize is the write granularity; Prog offsets and lengths are
	// multiples of it.
	ProgSize   uint32
	BlockSize  uint32
	BlockCount uint32
	// NameMax bounds path element length. Zero means DefaultNameMax.
	NameMax uint32
}

// DefaultNameMax is the path element limit when Config.NameMax is zero.
const DefaultNameMax = 255

// Error is a negative errno-style error code.
type Error int

const (
	ErrIO          Error = -5
	ErrCorrupt     Error = -84
	ErrNoEnt       Error = -2
	ErrExist       Error = -17
	ErrNotDir      Error = -20
	ErrIsDir       Error = -21
	ErrNotEmpty    Error = -39
	ErrBadF        Error = -9
	ErrFBig        Error = -27
	ErrInval       Error = -22
	ErrNoSpc       Error = -28
	ErrNoMem       Error = -12
	ErrNoAttr      Error = -61
	ErrNameTooLong Error = -36
)

func (e Error) Error() string {
	switch e {
	case ErrIO:
		return "loglib: i/o error"
	case ErrCorrupt:
		return "loglib: corrupted"
	case ErrNoEnt:
		return "loglib: no such entry"
	case ErrExist:
		return "loglib: entry exists"
	case ErrNotDir:
		return "loglib: not a directory"
	case ErrIsDir:
		return "loglib: is a directory"
	case ErrNotEmpty:
		return "loglib: directory not empty"
	case ErrBadF:
		return "loglib: bad file"
	case ErrFBig:
		return "loglib: file too large"
	case ErrInval:
		return "loglib: invalid parameter"
	case ErrNoSpc:
		return "loglib: no space left"
	case ErrNoMem:
		return "loglib: no memory"
	case ErrNoAttr:
		return "loglib: no attribute"
	case ErrNameTooLong:
		return "loglib: name too long"
	default:
		return fmt.Sprintf("loglib: error %d", int(e))
	}
}

// Open flags.
const (
	RDONLY = 1
	WRONLY = 2
	RDWR   = 3
	CREAT  = 0x0100
	EXCL   = 0x0200
	TRUNC  = 0x0400
	APPEND = 0x0800
)

// Entry types reported by Stat and DirRead.
const (
	TypeReg uint8 = 1
	TypeDir uint8 = 2
)

// AttrMode is the attribute holding POSIX permission bits (4 bytes, LE).
const AttrMode uint8 = 'M'

// Info describes a file or directory.
type Info struct {
	Type uint8
	Size int64
	Name string
	// Mode holds the permission bits set through AttrMode.
	Mode  uint32
	Mtime int64
}

// FSInfo describes volume usage.
type FSInfo struct {
	BlockSize uint32
	// BlockCount is the number of blocks usable for data.
	BlockCount uint32
	UsedBlocks uint32
	NameMax    uint32
}
