// Package resource governs the resources of an emulated storage device.
//
//   - Memory: a fail-fast budget for block caches
//   - Slots: a bound on device operations in flight
//   - Bandwidth: a token bucket pacing transfers to an emulated throughput
//
// Image disks use it to pace transfers like a real eMMC part would, and the
// block cache of the ext4 library charges its entries against the memory
// budget:
//
//	rc := resource.NewController(resource.Config{
//	    IOLimitBytesPerSec: 20 << 20,
//	    MemoryLimitBytes:   4 << 20,
//	})
//	if err := rc.AcquireIO(ctx, 4096); err != nil {
//	    return err
//	}
//
// All methods are safe for concurrent use and tolerate a nil Controller,
// which means "unlimited".
package resource
