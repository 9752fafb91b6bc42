// Package blkdev defines the block device contract and the disk manager.
//
// A [Disk] is a sector-addressed medium with optional hardware partitions
// (eMMC boot and general purpose areas). The [Manager] registers disks under
// symbolic names, scans their MBR/EBR partition tables and resolves names
// into [DiskHandle] values:
//
//	emmc0        whole user area
//	emmc0part1   second partition-table entry, LBA translated
//	emmc0sys1    hardware partition 1
//
// Handles hold the disk weakly. After UnregisterDevice every handle
// resolved from the disk fails with [ErrExpired].
//
// Errors wrap syscall.Errno values; [Errno] extracts them.
package blkdev
