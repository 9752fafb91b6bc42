package blkdev

import (
	"encoding/binary"
	"fmt"
)

// PutEntry encodes a partition entry into slot i of a boot sector.
// start is the LBA field as stored: absolute for the MBR, relative for EBRs.
func PutEntry(sector []byte, i int, ptype uint8, bootable bool, start, numSectors uint32) {
	e := sector[mbrTableOffset+i*mbrEntrySize : mbrTableOffset+(i+1)*mbrEntrySize]
	clear(e)
	if bootable {
		e[0] = 0x80
	}
	e[4] = ptype
	binary.LittleEndian.PutUint32(e[8:], start)
	binary.LittleEndian.PutUint32(e[12:], numSectors)
	binary.LittleEndian.PutUint16(sector[mbrSigOffset:], mbrSignature)
}

// WriteMBR writes a primary partition table to sector 0 of the default
// hardware partition. At most four partitions fit.
func WriteMBR(d Disk, parts []Partition) error {
	if len(parts) > mbrEntries {
		return fmt.Errorf("%d primary partitions: %w", len(parts), ErrInvalid)
	}
	size, err := d.Info(InfoSectorSize, DefaultHWPart)
	if err != nil {
		return err
	}
	if size < minSectorSize {
		return fmt.Errorf("sector size %d: %w", size, ErrInvalid)
	}
	sector := make([]byte, size)
	if err := d.Read(sector, 0, 1, DefaultHWPart); err != nil {
		return err
	}
	for i := range mbrEntries {
		PutEntry(sector, i, 0, false, 0, 0)
	}
	for i, p := range parts {
		if p.StartSector > 0xFFFFFFFF || p.NumSectors > 0xFFFFFFFF {
			return fmt.Errorf("partition %d beyond 32-bit LBA: %w", i, ErrInvalid)
		}
		PutEntry(sector, i, p.Type, p.Bootable, uint32(p.StartSector), uint32(p.NumSectors))
		sector[mbrTableOffset+i*mbrEntrySize] |= p.BootUnit & 0x7F
	}
	if err := d.Write(sector, 0, 1, DefaultHWPart); err != nil {
		return err
	}
	return d.Sync()
}
