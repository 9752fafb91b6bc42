package vfs

import (
	"bytes"

	"github.com/hupe1980/phonefs/blkdev"
)

// MBR partition types of the supported volumes.
var partitionTypes = map[uint8]string{
	0x06: "vfat",
	0x0b: "vfat",
	0x0c: "vfat",
	0x0e: "vfat",
	0x83: "ext4",
	0x9e: "littlefs",
	0x7f: "txfs",
}

// FSTypeOf maps an MBR partition type to a driver name.
func FSTypeOf(ptype uint8) (string, bool) {
	name, ok := partitionTypes[ptype]
	return name, ok
}

// PartitionTypeOf returns the MBR partition type written for fstype.
func PartitionTypeOf(fstype string) (uint8, bool) {
	switch fstype {
	case "vfat":
		return 0x0c, true
	case "ext4":
		return 0x83, true
	case "littlefs":
		return 0x9e, true
	case "txfs":
		return 0x7f, true
	}
	return 0, false
}

var signatures = []struct {
	off   int
	magic []byte
	name  string
}{
	{0, []byte("PHEXT4SB"), "ext4"},
	{0, []byte("PHLOGFS1"), "littlefs"},
	{0, []byte("PHTXFS01"), "txfs"},
	{0x52, []byte("FAT32   "), "vfat"},
	{0x36, []byte("FAT16   "), "vfat"},
	{0x36, []byte("FAT12   "), "vfat"},
}

// Detect picks a driver name for disk. Partition-table entries are
// recognized by their type; other devices by the signature in their first
// sector.
func Detect(disk *blkdev.DiskHandle) (string, error) {
	if p, ok := disk.TableEntry(); ok {
		if name, ok := partitionTypes[p.Type]; ok {
			return name, nil
		}
	}
	ss, err := disk.SectorSize()
	if err != nil {
		return "", err
	}
	buf := make([]byte, ss)
	if err := disk.Read(buf, 0, 1); err != nil {
		return "", err
	}
	for _, sig := range signatures {
		end := sig.off + len(sig.magic)
		if end <= len(buf) && bytes.Equal(buf[sig.off:end], sig.magic) {
			return sig.name, nil
		}
	}
	return "", ErrNoDriver
}
