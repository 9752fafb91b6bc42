// Package phonefs provides the storage stack of a feature phone.
//
// A Subsystem ties together the block device layer (package blkdev), the
// virtual filesystem core with its four drivers (package vfs and
// vfs/drivers/...), path change notifications (package notify) and a
// libc-shaped shim (package posix).
//
// # Quick Start
//
//	ctx := context.Background()
//	sub, err := phonefs.Open(ctx, "/etc/phonefs.yaml")
//	if err != nil {
//	    return err
//	}
//	defer sub.Close(ctx)
//
//	fd, err := sub.FS().Open(ctx, "/user/db/contacts.db", syscall.O_RDWR|syscall.O_CREAT, 0o644)
//
// # Configuration
//
// The configuration lists disks and the mount table:
//
//	logLevel: info
//	createLayout: true
//	disks:
//	  - name: emmc0
//	    image: ./phone.img
//	    hwPartitions: 2
//	    sysPartitionSize: 1048576
//	mounts:
//	  - device: emmc0part0
//	    path: /sys
//	  - device: emmc0part1
//	    path: /user
//	  - device: emmc0sys1
//	    path: /mfgconf
//	    fstype: littlefs
//	    flags: ro
//
// Devices are named after their disk: "emmc0part<N>" is entry N of the
// partition table, "emmc0sys<N>" is hardware partition N. An fstype of
// "auto" (the default) selects the driver from the partition type or the
// volume signature.
//
// # Drivers
//
//   - ext4: journaling volume for the system disk
//   - vfat: FAT32 volume shared with a USB host
//   - littlefs: wear-levelling log volume for small flash areas
//   - txfs: transactional volume committing on demand
package phonefs
