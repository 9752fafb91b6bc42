package blkdev

// HWPart selects a hardware partition of a disk (eMMC boot/user areas).
type HWPart int

// DefaultHWPart is the user data area of a disk.
const DefaultHWPart HWPart = 0

// NoHWPart marks a handle that does not address a hardware partition.
const NoHWPart HWPart = -1

// InfoType selects the geometry value returned by Disk.Info.
type InfoType int

const (
	InfoSectorSize InfoType = iota
	InfoSectorCount
	InfoEraseGroup
	InfoStartSector
)

func (t InfoType) String() string {
	switch t {
	case InfoSectorSize:
		return "sector_size"
	case InfoSectorCount:
		return "sector_count"
	case InfoEraseGroup:
		return "erase_group"
	case InfoStartSector:
		return "start_sector"
	default:
		return "unknown"
	}
}

// MediaStatus is the state of the medium behind a disk.
type MediaStatus int

const (
	MediaActive MediaStatus = iota
	MediaRemoved
	MediaUnknown
	MediaWriteProtected
	MediaUninitialized
)

func (s MediaStatus) String() string {
	switch s {
	case MediaActive:
		return "active"
	case MediaRemoved:
		return "removed"
	case MediaWriteProtected:
		return "write_protected"
	case MediaUninitialized:
		return "uninitialized"
	default:
		return "unknown"
	}
}

// PMState is a disk power state.
type PMState int

const (
	PMActive PMState = iota
	PMSuspended
	PMPowerOff
)

func (s PMState) String() string {
	switch s {
	case PMActive:
		return "active"
	case PMSuspended:
		return "suspended"
	case PMPowerOff:
		return "power_off"
	default:
		return "unknown"
	}
}

// Flags control how a disk is registered.
type Flags uint32

const (
	// FlagNoPartsScan skips the MBR scan on registration (EEPROM, raw media).
	FlagNoPartsScan Flags = 1 << iota
)

// Disk is the contract every block device implements.
//
// All transfers are whole sectors. Implementations validate ranges with
// CheckRange before touching the medium and lock their own state; callers
// may invoke any method from any goroutine.
type Disk interface {
	// Probe prepares the medium. It is called once on registration.
	Probe(flags Flags) error
	// Cleanup releases the medium. It is called on unregistration.
	Cleanup() error
	Read(buf []byte, lba, count uint64, hwpart HWPart) error
	Write(buf []byte, lba, count uint64, hwpart HWPart) error
	Sync() error
	Status() MediaStatus
	Info(what InfoType, hwpart HWPart) (int64, error)
	Erase(lba, count uint64, hwpart HWPart) error
	PMControl(target PMState) error
	PMRead() (PMState, error)
}

// CheckRange validates a transfer of count sectors at lba on hwpart.
// Out of range requests fail with a *RangeError before any I/O is issued.
func CheckRange(d Disk, lba, count uint64, hwpart HWPart) error {
	if hwpart == NoHWPart {
		hwpart = DefaultHWPart
	}
	total, err := d.Info(InfoSectorCount, hwpart)
	if err != nil {
		return err
	}
	if count == 0 || total <= 0 || lba >= uint64(total) || count > uint64(total)-lba {
		return &RangeError{LBA: lba, Count: count, Sectors: uint64(max(total, 0))}
	}
	return nil
}

// CheckBuffer validates that buf holds count sectors of sectorSize bytes.
func CheckBuffer(buf []byte, count uint64, sectorSize int64) error {
	if sectorSize <= 0 || uint64(len(buf)) < count*uint64(sectorSize) {
		return ErrInvalid
	}
	return nil
}
