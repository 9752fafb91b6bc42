// Package extlib is an extent-mapped block filesystem modelled on small
// embedded ext4 libraries.
//
// Volumes live on caller supplied block devices registered by name and
// are mounted at library mount points such as "/data/". All paths passed
// to the file and directory calls are absolute and start with a mount
// point.
//
// The library is not reentrant. It keeps global state and expects every
// call, on any mount, to be serialized by the caller. Overlapping calls
// are counted and reported by Violations.
package extlib

import (
	"sync"
	"sync/atomic"
	"syscall"
)

// BlockDev is the block device interface of the library.
type BlockDev struct {
	// Context is passed back to the callbacks untouched.
	Context any

	Open        func(bd *BlockDev) error
	Close       func(bd *BlockDev) error
	ReadBlocks  func(bd *BlockDev, buf []byte, lba uint64, count uint32) error
	WriteBlocks func(bd *BlockDev, buf []byte, lba uint64, count uint32) error

	PhysBlockSize  uint32
	PhysBlockCount uint64
}

var (
	// regMu guards the registries only; filesystem state is protected by
	// the caller's serialization.
	regMu   sync.Mutex
	devices = map[string]*BlockDev{}
	mounts  = map[string]*mountState{}

	inflight   atomic.Int32
	violations atomic.Int64
)

// enter marks a library call in progress. The returned function ends it.
func enter() func() {
	if inflight.Add(1) > 1 {
		violations.Add(1)
	}
	return func() { inflight.Add(-1) }
}

// Violations returns the number of calls that overlapped another call.
func Violations() int64 {
	return violations.Load()
}

// DeviceRegister makes bd available to Mount under name.
func DeviceRegister(bd *BlockDev, name string) error {
	defer enter()()
	if bd == nil || name == "" || bd.ReadBlocks == nil || bd.WriteBlocks == nil || bd.PhysBlockSize == 0 {
		return syscall.EINVAL
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := devices[name]; ok {
		return syscall.EEXIST
	}
	devices[name] = bd
	return nil
}

// DeviceUnregister removes a device. Mounted devices cannot be removed.
func DeviceUnregister(name string) error {
	defer enter()()
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := devices[name]; !ok {
		return syscall.ENOENT
	}
	for _, m := range mounts {
		if m.devName == name {
			return syscall.EBUSY
		}
	}
	delete(devices, name)
	return nil
}

func device(name string) (*BlockDev, error) {
	regMu.Lock()
	defer regMu.Unlock()
	bd, ok := devices[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	return bd, nil
}

// lookupMount finds the mount point holding path and returns the path
// inside the volume.
func lookupMount(path string) (*mountState, string, error) {
	regMu.Lock()
	defer regMu.Unlock()
	var best *mountState
	for name, m := range mounts {
		if len(path) >= len(name)-1 && (path+"/")[:len(name)] == name {
			if best == nil || len(name) > len(best.name) {
				best = m
			}
		}
	}
	if best == nil {
		return nil, "", syscall.ENOENT
	}
	rel := "/"
	if len(path) > len(best.name) {
		rel = "/" + path[len(best.name):]
	}
	return best, rel, nil
}
