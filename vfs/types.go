package vfs

import (
	"strings"
	"time"
)

// MountFlags are the Linux-compatible mount flags.
type MountFlags uint32

const (
	FlagReadOnly    MountFlags = 1
	FlagNoSUID      MountFlags = 2
	FlagNoDev       MountFlags = 4
	FlagNoExec      MountFlags = 8
	FlagSynchronous MountFlags = 16
	FlagRemount     MountFlags = 32
	FlagMandLock    MountFlags = 64
	FlagDirSync     MountFlags = 128
	FlagNoATime     MountFlags = 1024
	FlagNoDirATime  MountFlags = 2048
	FlagBind        MountFlags = 4096
)

var flagNames = []struct {
	f    MountFlags
	name string
}{
	{FlagReadOnly, "ro"},
	{FlagNoSUID, "nosuid"},
	{FlagNoDev, "nodev"},
	{FlagNoExec, "noexec"},
	{FlagSynchronous, "sync"},
	{FlagRemount, "remount"},
	{FlagMandLock, "mand"},
	{FlagDirSync, "dirsync"},
	{FlagNoATime, "noatime"},
	{FlagNoDirATime, "nodiratime"},
	{FlagBind, "bind"},
}

func (f MountFlags) String() string {
	var parts []string
	if f&FlagReadOnly == 0 {
		parts = append(parts, "rw")
	}
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseMountFlags parses a comma separated option list such as "ro,sync".
func ParseMountFlags(s string) (MountFlags, error) {
	var f MountFlags
	for _, opt := range strings.Split(s, ",") {
		opt = strings.TrimSpace(opt)
		switch opt {
		case "", "rw", "defaults":
			continue
		}
		found := false
		for _, n := range flagNames {
			if n.name == opt {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, &PathError{Op: "parse flags", Path: opt, Err: ErrInvalid}
		}
	}
	return f, nil
}

// File type and permission bits.
const (
	ModeType   uint32 = 0o170000
	ModeDir    uint32 = 0o040000
	ModeReg    uint32 = 0o100000
	ModeSymlnk uint32 = 0o120000
	ModePerm   uint32 = 0o7777
	ModeWrite  uint32 = 0o222
)

// PathMax is the longest path accepted by the filesystem.
const PathMax = 1024

// Stat describes a file.
type Stat struct {
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	Size      int64
	BlockSize int64
	Blocks    int64
	Mtime     time.Time
}

// IsDir reports whether the entry is a directory.
func (s *Stat) IsDir() bool { return s.Mode&ModeType == ModeDir }

// IsRegular reports whether the entry is a regular file.
func (s *Stat) IsRegular() bool { return s.Mode&ModeType == ModeReg }

// StatFS describes a mounted volume.
type StatFS struct {
	BlockSize    uint64
	FragmentSize uint64
	Blocks       uint64
	BlocksFree   uint64
	BlocksAvail  uint64
	Files        uint64
	FilesFree    uint64
	FilesAvail   uint64
	NameMax      uint64
	Flags        MountFlags
}

// MountInfo describes one entry of the mount table.
type MountInfo struct {
	Path   string
	Device string
	FSType string
	Flags  MountFlags
}
