package blkdev

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	mbrTableOffset = 0x1BE
	mbrEntrySize   = 16
	mbrEntries     = 4
	mbrSigOffset   = 0x1FE
	mbrSignature   = 0xAA55

	minSectorSize = 512

	// maxEBRSteps bounds the extended partition walk.
	maxEBRSteps = 128

	firstLogicalNumber = 5
)

// Partition is one entry of a disk's MBR/EBR partition table.
type Partition struct {
	// Name is the device name under which the partition is addressable.
	Name string
	// Index is the position in the disk's partition list.
	Index int
	// MBRNumber is 1..4 for primary and 5.. for logical partitions.
	MBRNumber int
	Type      uint8
	Bootable  bool
	// BootUnit is the low seven bits of the status byte.
	BootUnit    uint8
	StartSector uint64
	NumSectors  uint64
}

// End returns the first sector after the partition.
func (p Partition) End() uint64 { return p.StartSector + p.NumSectors }

func (p Partition) overlaps(o Partition) bool {
	return p.StartSector < o.End() && o.StartSector < p.End()
}

type mbrEntry struct {
	bootable   bool
	bootUnit   uint8
	ptype      uint8
	start      uint64
	numSectors uint64
}

func isExtended(t uint8) bool {
	return t == 0x05 || t == 0x0F || t == 0x85
}

func parseEntries(sector []byte) ([mbrEntries]mbrEntry, bool) {
	var out [mbrEntries]mbrEntry
	if binary.LittleEndian.Uint16(sector[mbrSigOffset:]) != mbrSignature {
		return out, false
	}
	for i := range out {
		e := sector[mbrTableOffset+i*mbrEntrySize:]
		out[i] = mbrEntry{
			bootable:   e[0]&0x80 != 0,
			bootUnit:   e[0] & 0x7F,
			ptype:      e[4],
			start:      uint64(binary.LittleEndian.Uint32(e[8:])),
			numSectors: uint64(binary.LittleEndian.Uint32(e[12:])),
		}
	}
	return out, true
}

type partitionScanner struct {
	disk       Disk
	sectorSize int64
	sectors    uint64
	logger     *slog.Logger
	parts      []Partition
	buf        []byte
	reads      int
}

// ScanPartitions reads the MBR of the default hardware partition and walks
// the extended partition chain.
//
// Entries that fall outside the disk or overlap an accepted entry are
// skipped. A chain that revisits a sector or exceeds the step limit stops
// the walk; the partitions found so far are returned together with
// ErrEBRLoop.
func ScanPartitions(d Disk, logger *slog.Logger) ([]Partition, error) {
	if logger == nil {
		logger = discardLogger
	}
	sectorSize, err := d.Info(InfoSectorSize, DefaultHWPart)
	if err != nil {
		return nil, err
	}
	if sectorSize < minSectorSize {
		return nil, fmt.Errorf("sector size %d: %w", sectorSize, ErrNoPartitionTable)
	}
	total, err := d.Info(InfoSectorCount, DefaultHWPart)
	if err != nil {
		return nil, err
	}

	s := &partitionScanner{
		disk:       d,
		sectorSize: sectorSize,
		sectors:    uint64(total),
		logger:     logger,
		buf:        make([]byte, sectorSize),
	}
	err = s.scan()
	return s.parts, err
}

func (s *partitionScanner) readSector(lba uint64) ([mbrEntries]mbrEntry, bool, error) {
	s.reads++
	if err := s.disk.Read(s.buf, lba, 1, DefaultHWPart); err != nil {
		return [mbrEntries]mbrEntry{}, false, err
	}
	entries, ok := parseEntries(s.buf)
	return entries, ok, nil
}

func (s *partitionScanner) scan() error {
	entries, ok, err := s.readSector(0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPartitionTable
	}

	var extended []mbrEntry
	for i, e := range entries {
		if e.numSectors == 0 {
			continue
		}
		if isExtended(e.ptype) {
			extended = append(extended, e)
			continue
		}
		s.accept(e, e.start, i+1)
	}

	logical := firstLogicalNumber
	for _, ext := range extended {
		if !s.within(ext.start, ext.numSectors) {
			s.logger.Warn("extended partition outside disk", "start", ext.start, "sectors", ext.numSectors)
			continue
		}
		if err := s.walkChain(ext, &logical); err != nil {
			return err
		}
	}
	return nil
}

func (s *partitionScanner) within(start, n uint64) bool {
	return start > 0 && n > 0 && start < s.sectors && n <= s.sectors-start
}

// accept validates e (at absolute sector start) and records it.
func (s *partitionScanner) accept(e mbrEntry, start uint64, number int) bool {
	if !s.within(start, e.numSectors) {
		s.logger.Warn("partition outside disk",
			"number", number, "start", start, "sectors", e.numSectors, "disk_sectors", s.sectors)
		return false
	}
	p := Partition{
		Index:       len(s.parts),
		MBRNumber:   number,
		Type:        e.ptype,
		Bootable:    e.bootable,
		BootUnit:    e.bootUnit,
		StartSector: start,
		NumSectors:  e.numSectors,
	}
	for _, o := range s.parts {
		if p.overlaps(o) {
			s.logger.Warn("partition overlaps another",
				"number", number, "start", start, "other", o.MBRNumber)
			return false
		}
	}
	s.parts = append(s.parts, p)
	return true
}

// walkChain follows EBR links. Link addresses are relative to the start of
// the outermost extended partition, logical entries to their own EBR.
func (s *partitionScanner) walkChain(ext mbrEntry, logical *int) error {
	visited := make(map[uint64]struct{})
	current := ext.start
	limit := ext.start + ext.numSectors

	for step := 0; ; step++ {
		if step >= maxEBRSteps {
			s.logger.Warn("extended partition chain too long", "steps", step)
			return ErrEBRLoop
		}
		if _, seen := visited[current]; seen {
			s.logger.Warn("extended partition chain revisits sector", "lba", current)
			return ErrEBRLoop
		}
		visited[current] = struct{}{}

		entries, ok, err := s.readSector(current)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		var next *mbrEntry
		for i := range entries {
			e := entries[i]
			if e.numSectors == 0 {
				continue
			}
			if isExtended(e.ptype) {
				if next == nil {
					next = &entries[i]
				}
				continue
			}
			abs := current + e.start
			if e.start == 0 || abs+e.numSectors > limit {
				s.logger.Warn("logical partition outside its container", "lba", current, "start", abs)
				continue
			}
			if s.accept(e, abs, *logical) {
				*logical++
			}
		}

		if next == nil {
			return nil
		}
		current = ext.start + next.start
		if current >= limit {
			s.logger.Warn("extended partition link outside container", "lba", current)
			return nil
		}
	}
}
