package vfs

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/cwd"
	"github.com/hupe1980/phonefs/internal/handlemap"
)

// FSTypeAuto asks Mount to pick the driver from the partition type or the
// volume signature.
const FSTypeAuto = "auto"

// firstFD is the lowest descriptor handed out; 0..2 are the standard streams.
const firstFD = 3

type openFile struct {
	fh      FileHandle
	path    string
	written atomic.Bool
}

// Filesystem is the VFS core: the driver registry, the mount table and the
// descriptor table.
type Filesystem struct {
	dm       *blkdev.Manager
	logger   *slog.Logger
	metrics  Metrics
	notifier ChangeNotifier
	cwd      *cwd.Table

	// mountMu serializes Mount, Umount and Mkfs.
	mountMu sync.Mutex

	mu      sync.RWMutex
	drivers map[string]*driverSlot
	mounts  map[string]MountPoint
	seq     uint64

	fdMu  sync.Mutex
	files *handlemap.Map[*openFile]
}

// New creates a filesystem core resolving devices through dm.
func New(dm *blkdev.Manager, optFns ...Option) *Filesystem {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	return &Filesystem{
		dm:       dm,
		logger:   o.logger,
		metrics:  o.metrics,
		notifier: o.notifier,
		cwd:      o.cwd,
		drivers:  make(map[string]*driverSlot),
		mounts:   make(map[string]MountPoint),
		files:    handlemap.New[*openFile](),
	}
}

// RegisterFilesystem makes drv available under name.
func (fs *Filesystem) RegisterFilesystem(name string, drv Driver) error {
	if name == "" || name == FSTypeAuto || drv == nil {
		return ErrInvalid
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.drivers[name]; ok {
		return fmt.Errorf("filesystem %s: %w", name, ErrExist)
	}
	fs.drivers[name] = &driverSlot{name: name, drv: drv}
	fs.logger.Debug("vfs: filesystem registered", "fstype", name, "kind", drv.Kind())
	return nil
}

// UnregisterFilesystem removes a driver. Drivers with mounted volumes stay.
func (fs *Filesystem) UnregisterFilesystem(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	slot, ok := fs.drivers[name]
	if !ok {
		return fmt.Errorf("filesystem %s: %w", name, ErrNotFound)
	}
	if slot.drv.MountCount() > 0 {
		return fmt.Errorf("filesystem %s: %w", name, ErrBusy)
	}
	delete(fs.drivers, name)
	return nil
}

// Driver returns the driver registered under name.
func (fs *Filesystem) Driver(name string) (Driver, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	slot, ok := fs.drivers[name]
	if !ok {
		return nil, false
	}
	return slot.drv, true
}

// mountKey normalizes a mount target to its table key: an absolute clean
// path with a trailing separator.
func mountKey(target string) (string, error) {
	if !path.IsAbs(target) {
		return "", ErrInvalid
	}
	key := path.Clean(target)
	if len(key) > PathMax {
		return "", ErrNameTooLong
	}
	if key != "/" {
		key += "/"
	}
	return key, nil
}

// Mount attaches device dev at target using the driver registered as fstype.
// With FlagRemount only the flags of the existing mount at target change.
func (fs *Filesystem) Mount(ctx context.Context, dev, target, fstype string, flags MountFlags, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if flags&FlagBind != 0 {
		return pathErr("mount", target, ErrUnsupported)
	}
	key, err := mountKey(target)
	if err != nil {
		return pathErr("mount", target, err)
	}

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	if flags&FlagRemount != 0 {
		return fs.remount(key, flags)
	}

	fs.mu.RLock()
	_, busy := fs.mounts[key]
	fs.mu.RUnlock()
	if busy {
		return pathErr("mount", target, ErrBusy)
	}

	disk, err := fs.dm.DeviceHandle(dev)
	if err != nil {
		return pathErr("mount", dev, err)
	}
	fs.mu.RLock()
	devBusy := fs.deviceMountedLocked(disk)
	fs.mu.RUnlock()
	if devBusy {
		return pathErr("mount", dev, ErrBusy)
	}
	if fstype == "" || fstype == FSTypeAuto {
		if fstype, err = Detect(disk); err != nil {
			return pathErr("mount", dev, err)
		}
	}

	fs.mu.RLock()
	slot, ok := fs.drivers[fstype]
	fs.mu.RUnlock()
	if !ok {
		return pathErr("mount", fstype, ErrNoDriver)
	}

	start := time.Now()
	mp, err := slot.drv.MountPrealloc(disk, key, flags)
	if err == nil {
		err = slot.drv.Mount(mp, data)
	}
	fs.metrics.RecordMount(fstype, time.Since(start), err)
	if err != nil {
		fs.logger.Warn("vfs: mount failed", "device", dev, "path", key, "fstype", fstype, "error", err)
		return pathErr("mount", target, err)
	}

	mb := mp.base()
	mb.fstype = fstype
	mb.self = mp
	mb.driver = weak.Make(slot)
	mb.alive.Store(true)

	fs.mu.Lock()
	fs.seq++
	mb.seq = fs.seq
	fs.mounts[key] = mp
	fs.mu.Unlock()
	slot.drv.driverBase().mounts.Add(1)

	fs.logger.Info("vfs: mounted", "device", dev, "path", key, "fstype", fstype, "flags", mb.Flags().String())
	return nil
}

func (fs *Filesystem) remount(key string, flags MountFlags) error {
	fs.mu.RLock()
	mp, ok := fs.mounts[key]
	fs.mu.RUnlock()
	if !ok {
		return pathErr("remount", key, ErrNotFound)
	}
	if r, ok := fs.driverOf(mp).(Remounter); ok {
		if err := r.Remount(mp, flags&^FlagRemount); err != nil {
			return pathErr("remount", key, err)
		}
	}
	mp.base().setFlags(flags)
	fs.logger.Info("vfs: remounted", "path", key, "flags", mp.base().Flags().String())
	return nil
}

func (fs *Filesystem) driverOf(mp MountPoint) Driver {
	drv, _ := mp.base().Driver()
	return drv
}

// deviceMountedLocked reports whether a mounted volume shares sectors with
// disk, whatever name either was resolved from.
func (fs *Filesystem) deviceMountedLocked(disk *blkdev.DiskHandle) bool {
	for _, mp := range fs.mounts {
		if mp.base().disk.Overlaps(disk) {
			return true
		}
	}
	return false
}

// Umount detaches the volume mounted at target. Descriptors still open on
// it stay in the table but every operation on them fails with EBADF.
func (fs *Filesystem) Umount(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := mountKey(target)
	if err != nil {
		return pathErr("umount", target, err)
	}

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	fs.mu.Lock()
	mp, ok := fs.mounts[key]
	if !ok {
		fs.mu.Unlock()
		return pathErr("umount", target, ErrNotFound)
	}
	mb := mp.base()
	drv, ok := mb.Driver()
	if !ok {
		fs.mu.Unlock()
		return pathErr("umount", target, ErrNoDriver)
	}
	delete(fs.mounts, key)
	mb.alive.Store(false)
	fs.mu.Unlock()

	if err := drv.Umount(mp); err != nil {
		fs.mu.Lock()
		fs.mounts[key] = mp
		mb.alive.Store(true)
		fs.mu.Unlock()
		fs.logger.Warn("vfs: umount failed", "path", key, "error", err)
		return pathErr("umount", target, err)
	}
	drv.driverBase().mounts.Add(-1)
	fs.logger.Info("vfs: unmounted", "path", key, "fstype", mb.fstype)
	return nil
}

// Mkfs creates a fresh volume of type fstype on dev. The device must not
// be mounted.
func (fs *Filesystem) Mkfs(ctx context.Context, dev, fstype string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	disk, err := fs.dm.DeviceHandle(dev)
	if err != nil {
		return pathErr("mkfs", dev, err)
	}
	fs.mu.RLock()
	busy := fs.deviceMountedLocked(disk)
	slot, ok := fs.drivers[fstype]
	fs.mu.RUnlock()
	if busy {
		return pathErr("mkfs", dev, ErrBusy)
	}
	if !ok {
		return pathErr("mkfs", fstype, ErrNoDriver)
	}
	f, ok := slot.drv.(Formatter)
	if !ok {
		return pathErr("mkfs", fstype, ErrUnsupported)
	}
	if err := f.Mkfs(disk); err != nil {
		return pathErr("mkfs", dev, err)
	}
	fs.logger.Info("vfs: volume created", "device", dev, "fstype", fstype)
	return nil
}

// Mounts lists the mount table in mount order.
func (fs *Filesystem) Mounts() []MountInfo {
	fs.mu.RLock()
	mps := make([]*MountBase, 0, len(fs.mounts))
	for _, mp := range fs.mounts {
		mps = append(mps, mp.base())
	}
	fs.mu.RUnlock()

	slices.SortFunc(mps, func(a, b *MountBase) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]MountInfo, len(mps))
	for i, mb := range mps {
		out[i] = MountInfo{
			Path:   strings.TrimSuffix(mb.path, "/"),
			Device: mb.disk.Name(),
			FSType: mb.fstype,
			Flags:  mb.Flags(),
		}
		if out[i].Path == "" {
			out[i].Path = "/"
		}
	}
	return out
}

// MountPointOf returns the mount point serving p.
func (fs *Filesystem) MountPointOf(ctx context.Context, p string) (MountPoint, error) {
	t, err := fs.lookup(ctx, "lookup", p)
	if err != nil {
		return nil, err
	}
	return t.mp, nil
}

// target is a path resolved against the mount table.
type target struct {
	mp  MountPoint
	drv Driver
	abs string
	rel string
}

func (t target) readOnly() bool { return t.mp.base().ReadOnly() }

func (fs *Filesystem) lookup(ctx context.Context, op, p string) (target, error) {
	abs, err := fs.cwd.Resolve(ctx, p)
	if err != nil {
		return target{}, pathErr(op, p, err)
	}

	fs.mu.RLock()
	var (
		best    MountPoint
		bestLen = -1
	)
	for key, mp := range fs.mounts {
		if len(key) > bestLen && strings.HasPrefix(abs+"/", key) {
			best, bestLen = mp, len(key)
		}
	}
	fs.mu.RUnlock()

	if best == nil {
		return target{}, pathErr(op, abs, ErrNotFound)
	}
	drv, ok := best.base().Driver()
	if !ok {
		return target{}, pathErr(op, abs, ErrNoDriver)
	}
	return target{mp: best, drv: drv, abs: abs, rel: best.base().Rel(abs)}, nil
}

// Chdir changes the working directory of the task in ctx.
func (fs *Filesystem) Chdir(ctx context.Context, p string) error {
	abs, err := fs.cwd.Resolve(ctx, p)
	if err != nil {
		return pathErr("chdir", p, err)
	}
	if abs != "/" {
		var st Stat
		if err := fs.Stat(ctx, abs, &st); err != nil {
			return err
		}
		if !st.IsDir() {
			return pathErr("chdir", abs, ErrNotDir)
		}
	}
	if err := fs.cwd.Set(ctx, abs); err != nil {
		return pathErr("chdir", abs, err)
	}
	return nil
}

// Getcwd returns the working directory of the task in ctx.
func (fs *Filesystem) Getcwd(ctx context.Context) string {
	return fs.cwd.Get(ctx)
}

// Cwd returns the working directory table.
func (fs *Filesystem) Cwd() *cwd.Table { return fs.cwd }
