package phonefs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"slices"
	"sync"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/emmc"
	"github.com/hupe1980/phonefs/blkdev/imagedisk"
	"github.com/hupe1980/phonefs/cwd"
	"github.com/hupe1980/phonefs/notify"
	"github.com/hupe1980/phonefs/paths"
	"github.com/hupe1980/phonefs/posix"
	"github.com/hupe1980/phonefs/vfs"
	"github.com/hupe1980/phonefs/vfs/drivers/ext4"
	"github.com/hupe1980/phonefs/vfs/drivers/littlefs"
	"github.com/hupe1980/phonefs/vfs/drivers/txfs"
	"github.com/hupe1980/phonefs/vfs/drivers/vfat"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

// Subsystem owns the storage stack of a device: the disk manager, the
// filesystem core with its drivers, the change notifier and the POSIX shim.
type Subsystem struct {
	opts     options
	logger   *Logger
	disks    *blkdev.Manager
	fs       *vfs.Filesystem
	notifier *notify.Notifier
	cwd      *cwd.Table
	shim     *posix.Shim

	mu      sync.Mutex
	state   state
	layout  paths.Layout
	devices []string
	drivers []string
}

// New builds an idle subsystem. Nothing is registered or mounted until Init.
func New(optFns ...Option) *Subsystem {
	o := applyOptions(optFns)
	s := &Subsystem{
		opts:   o,
		logger: o.logger,
		cwd:    cwd.New(),
		layout: paths.Default(),
	}
	s.disks = blkdev.NewManager(blkdev.WithLogger(o.logger.Component("blkdev").Logger))
	s.notifier = notify.New(o.bus,
		notify.WithLogger(o.logger.Component("notify").Logger),
		notify.WithMetrics(o.metricsCollector),
		notify.WithWarnInterval(o.warnInterval),
	)
	s.fs = vfs.New(s.disks,
		vfs.WithLogger(o.logger.Component("vfs").Logger),
		vfs.WithMetrics(o.metricsCollector),
		vfs.WithNotifier(s.notifier),
		vfs.WithCwd(s.cwd),
	)
	s.shim = posix.New(s.fs)
	return s
}

// Open loads the configuration at path and returns an initialized
// subsystem logging at the configured level unless a logger option is given.
func Open(ctx context.Context, path string, optFns ...Option) (*Subsystem, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	s := New(append([]Option{WithLogLevel(ParseLevel(cfg.LogLevel))}, optFns...)...)
	if err := s.Init(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subsystem) driverSet() map[string]vfs.Driver {
	l := s.logger.Component("driver")
	return map[string]vfs.Driver{
		"ext4":     ext4.New(ext4.WithLogger(l.With("fstype", "ext4"))),
		"vfat":     vfat.New(vfat.WithLogger(l.With("fstype", "vfat"))),
		"littlefs": littlefs.New(littlefs.WithLogger(l.With("fstype", "littlefs"))),
		"txfs":     txfs.New(txfs.WithLogger(l.With("fstype", "txfs"))),
	}
}

// Init registers the filesystem drivers and the configured disks, applies
// the mount table in order and, if requested, creates the directory layout.
// A failed Init undoes what it did and may be retried.
func (s *Subsystem) Init(ctx context.Context, cfg Config) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return ErrAlreadyInitialized
	case stateClosed:
		return ErrClosed
	}

	s.layout = layoutOf(cfg.Layout)
	if err := s.setup(ctx, cfg); err != nil {
		if terr := s.teardown(ctx); terr != nil {
			s.logger.WarnContext(ctx, "rollback incomplete", "error", terr)
		}
		return err
	}
	s.state = stateRunning
	return nil
}

func layoutOf(c LayoutConfig) paths.Layout {
	l := paths.Default()
	if c.SystemDisk != "" {
		l.SystemDisk = c.SystemDisk
	}
	if c.UserDisk != "" {
		l.UserDisk = c.UserDisk
	}
	if c.MfgConf != "" {
		l.MfgConf = c.MfgConf
	}
	return l
}

func (s *Subsystem) setup(ctx context.Context, cfg Config) error {
	drivers := s.driverSet()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := s.fs.RegisterFilesystem(name, drivers[name]); err != nil {
			return err
		}
		s.drivers = append(s.drivers, name)
	}

	for _, dc := range cfg.Disks {
		d, err := s.newDisk(dc)
		if err == nil {
			var flags blkdev.Flags
			if dc.NoPartScan {
				flags |= blkdev.FlagNoPartsScan
			}
			err = s.disks.RegisterDevice(d, dc.Name, flags)
		}
		s.logger.LogDiskRegistered(ctx, dc.Name, dc.Kind, err)
		if err != nil {
			return &DiskError{Name: dc.Name, Kind: dc.Kind, cause: err}
		}
		s.devices = append(s.devices, dc.Name)
	}

	for _, mc := range cfg.Mounts {
		err := s.mount(ctx, mc)
		s.logger.LogMount(ctx, mc.Device, mc.Path, mc.FSType, err)
		if err != nil {
			return &MountError{Device: mc.Device, Path: mc.Path, FSType: mc.FSType, cause: err}
		}
	}

	if cfg.CreateLayout {
		return s.createLayout(ctx)
	}
	return nil
}

func (s *Subsystem) newDisk(dc DiskConfig) (blkdev.Disk, error) {
	l := s.logger.WithDisk(dc.Name).Logger
	if dc.Kind == DiskEMMC {
		ctrl, ok := s.opts.controllers[dc.Name]
		if !ok {
			blocks := []uint64{uint64(dc.Size / dc.SectorSize)}
			for range dc.HWPartitions - 1 {
				blocks = append(blocks, uint64(dc.SysPartitionSize/dc.SectorSize))
			}
			ctrl = emmc.NewMemoryController(dc.SectorSize, blocks...)
		}
		return emmc.New(ctrl, emmc.WithLogger(l)), nil
	}

	opts := []imagedisk.Option{
		imagedisk.WithSectorSize(dc.SectorSize),
		imagedisk.WithHWPartitions(dc.HWPartitions),
		imagedisk.WithLogger(l),
	}
	if dc.SysPartitionSize > 0 {
		opts = append(opts, imagedisk.WithSysPartitionSize(dc.SysPartitionSize))
	}
	if dc.Bandwidth > 0 {
		opts = append(opts, imagedisk.WithBandwidth(dc.Bandwidth))
	}
	if dc.Size > 0 {
		if _, err := os.Stat(dc.Image); errors.Is(err, iofs.ErrNotExist) {
			if err := imagedisk.Create(dc.Image, dc.Size, opts...); err != nil {
				return nil, err
			}
		}
	}
	return imagedisk.New(dc.Image, opts...), nil
}

func (s *Subsystem) mount(ctx context.Context, mc MountConfig) error {
	flags, err := vfs.ParseMountFlags(mc.Flags)
	if err != nil {
		return err
	}
	var data []byte
	if mc.Data != "" {
		data = []byte(mc.Data)
	}
	return s.fs.Mount(ctx, mc.Device, mc.Path, mc.FSType, flags, data)
}

// createLayout makes the canonical directories. Directories below a
// missing or read-only mount are skipped.
func (s *Subsystem) createLayout(ctx context.Context) error {
	var created, skipped int
	for _, dir := range s.layout.Dirs() {
		err := s.fs.Mkdir(ctx, dir, 0o755)
		switch {
		case err == nil:
			created++
		case errors.Is(err, vfs.ErrExist):
		case errors.Is(err, vfs.ErrNotFound), errors.Is(err, vfs.ErrReadOnly), errors.Is(err, vfs.ErrUnsupported):
			skipped++
			s.logger.DebugContext(ctx, "layout directory skipped", "path", dir, "error", err)
		default:
			return fmt.Errorf("layout %s: %w", dir, err)
		}
	}
	s.logger.LogLayout(ctx, created, skipped)
	return nil
}

// Close unmounts every volume in reverse mount order, unregisters the
// disks and the drivers. Close is idempotent; errors of individual steps
// are joined.
func (s *Subsystem) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return s.teardown(ctx)
}

func (s *Subsystem) teardown(ctx context.Context) error {
	var errs []error

	mounts := s.fs.Mounts()
	for _, mi := range slices.Backward(mounts) {
		err := s.fs.Umount(ctx, mi.Path)
		s.logger.LogUmount(ctx, mi.Path, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range slices.Backward(s.devices) {
		if err := s.disks.UnregisterDevice(name); err != nil {
			errs = append(errs, err)
		}
	}
	s.devices = nil
	for _, name := range s.drivers {
		if err := s.fs.UnregisterFilesystem(name); err != nil {
			errs = append(errs, err)
		}
	}
	s.drivers = nil
	s.notifier.PruneExpired()
	return errors.Join(errs...)
}

// FS returns the filesystem core.
func (s *Subsystem) FS() *vfs.Filesystem { return s.fs }

// Disks returns the disk manager.
func (s *Subsystem) Disks() *blkdev.Manager { return s.disks }

// Notifier returns the change notifier.
func (s *Subsystem) Notifier() *notify.Notifier { return s.notifier }

// Posix returns the libc-shaped view of the filesystem.
func (s *Subsystem) Posix() *posix.Shim { return s.shim }

// Cwd returns the working directory table.
func (s *Subsystem) Cwd() *cwd.Table { return s.cwd }

// Bus returns the bus change notifications are sent on.
func (s *Subsystem) Bus() notify.Bus { return s.opts.bus }

// Layout returns the canonical directory layout.
func (s *Subsystem) Layout() paths.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Mounts lists the mount table in mount order.
func (s *Subsystem) Mounts() []vfs.MountInfo { return s.fs.Mounts() }

// Logger returns the subsystem logger.
func (s *Subsystem) Logger() *Logger { return s.logger }
