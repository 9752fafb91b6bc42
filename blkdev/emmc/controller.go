package emmc

// Controller is the host controller driver of an eMMC part.
//
// Block transfers address the currently selected hardware partition;
// SwitchPartition changes the selection (the PARTITION_ACCESS bits of
// EXT_CSD on real parts).
type Controller interface {
	Init() error
	Deinit() error
	// BlockSize is the transfer unit in bytes.
	BlockSize() int64
	// Partitions is the number of hardware partitions, user area included.
	Partitions() int
	// Capacity is the block count of hardware partition part.
	Capacity(part int) (uint64, error)
	// EraseGroup is the erase unit in blocks.
	EraseGroup() uint64
	SwitchPartition(part int) error
	ReadBlocks(buf []byte, lba, count uint64) error
	WriteBlocks(buf []byte, lba, count uint64) error
	EraseBlocks(lba, count uint64) error
	Flush() error
	// SetPower gates the card supply; false enters sleep.
	SetPower(on bool) error
	CardPresent() bool
	WriteProtected() bool
}
