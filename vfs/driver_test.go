package vfs_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/ramdisk"
	"github.com/hupe1980/phonefs/vfs"
)

// bareDriver mounts anything and implements nothing else.
type bareDriver struct {
	vfs.DriverBase
}

type bareMount struct {
	*vfs.MountBase
}

func (bareMount) NativeRoot() string { return "bare:" }

func (*bareDriver) Kind() vfs.DriverKind { return vfs.KindUnknown }

func (*bareDriver) MountPrealloc(disk *blkdev.DiskHandle, p string, flags vfs.MountFlags) (vfs.MountPoint, error) {
	return bareMount{vfs.NewMountBase(disk, p, flags)}, nil
}

func (*bareDriver) Mount(vfs.MountPoint, []byte) error { return nil }
func (*bareDriver) Umount(vfs.MountPoint) error        { return nil }

func TestDriverBaseDefaults(t *testing.T) {
	ctx := context.Background()
	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(ramdisk.New(512, 64), "emmc0", 0))
	fsys := vfs.New(dm)
	require.NoError(t, fsys.RegisterFilesystem("bare", &bareDriver{}))
	require.NoError(t, fsys.Mount(ctx, "emmc0", "/bare", "bare", 0, nil))

	var st vfs.Stat
	var sfs vfs.StatFS
	for name, err := range map[string]error{
		"stat":    fsys.Stat(ctx, "/bare/x", &st),
		"statvfs": fsys.StatVFS(ctx, "/bare", &sfs),
		"mkdir":   fsys.Mkdir(ctx, "/bare/d", 0o755),
		"rmdir":   fsys.Rmdir(ctx, "/bare/d"),
		"unlink":  fsys.Unlink(ctx, "/bare/x"),
		"rename":  fsys.Rename(ctx, "/bare/x", "/bare/y"),
		"chmod":   fsys.Chmod(ctx, "/bare/x", 0o600),
		"link":    fsys.Link(ctx, "/bare/x", "/bare/y"),
		"symlink": fsys.Symlink(ctx, "x", "/bare/y"),
		"mkfs":    fsys.Mkfs(ctx, "emmc1", "bare"),
	} {
		assert.ErrorIs(t, err, syscall.ENOTSUP, name)
	}
	_, err := fsys.Open(ctx, "/bare/x", syscall.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOTSUP)
	_, err = fsys.DirOpen(ctx, "/bare")
	assert.ErrorIs(t, err, syscall.ENOTSUP)

	// The mount root cannot be removed.
	require.ErrorIs(t, fsys.Rmdir(ctx, "/bare"), syscall.EBUSY)

	mp, err := fsys.MountPointOf(ctx, "/bare/x")
	require.NoError(t, err)
	assert.Equal(t, "bare:", mp.NativeRoot())
	_, err = vfs.As[bareMount](mp)
	require.NoError(t, err)

	drv, ok := fsys.Driver("bare")
	require.True(t, ok)
	assert.Equal(t, 1, drv.MountCount())
	assert.Equal(t, "unknown", drv.Kind().String())
	require.NoError(t, fsys.Umount(ctx, "/bare"))
	assert.Zero(t, drv.MountCount())
}

func TestDriverKind(t *testing.T) {
	assert.Equal(t, "ext4", vfs.KindExt4.String())
	assert.Equal(t, "vfat", vfs.KindVFAT.String())
	assert.Equal(t, "littlefs", vfs.KindLittleFS.String())
	assert.Equal(t, "txfs", vfs.KindTxFS.String())
}

func TestParseMountFlags(t *testing.T) {
	tests := []struct {
		in   string
		want vfs.MountFlags
		str  string
	}{
		{"", 0, "rw"},
		{"defaults", 0, "rw"},
		{"rw,noatime", vfs.FlagNoATime, "rw,noatime"},
		{"ro", vfs.FlagReadOnly, "ro"},
		{"ro, sync ,nodev", vfs.FlagReadOnly | vfs.FlagSynchronous | vfs.FlagNoDev, "ro,nodev,sync"},
		{"remount,dirsync", vfs.FlagRemount | vfs.FlagDirSync, "rw,remount,dirsync"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := vfs.ParseMountFlags(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}

	_, err := vfs.ParseMountFlags("ro,turbo")
	require.ErrorIs(t, err, syscall.EINVAL)
	var pe *vfs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "turbo", pe.Path)
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), vfs.Errno(nil))
	assert.Equal(t, syscall.ENOENT, vfs.Errno(vfs.ErrNotFound))
	assert.Equal(t, syscall.EBADF, vfs.Errno(vfs.ErrExpired))
	assert.Equal(t, syscall.EXDEV, vfs.Errno(fmt.Errorf("wrapped: %w", vfs.ErrCrossDevice)))
	assert.Equal(t, syscall.EIO, vfs.Errno(errors.New("opaque")))
	assert.Equal(t, syscall.ENODATA, vfs.Errno(&vfs.PathError{Op: "readdir", Path: "/", Err: vfs.ErrEndOfDir}))
	assert.Equal(t, "stat /a: vfs: not found: no such file or directory",
		(&vfs.PathError{Op: "stat", Path: "/a", Err: vfs.ErrNotFound}).Error())
}

func TestRecursiveLock(t *testing.T) {
	var l vfs.RecursiveLock
	s := l.Enter()
	assert.Equal(t, 1, s.Depth())
	inner := s.Enter()
	assert.Equal(t, 2, inner.Depth())
	inner.Exit()
	assert.Equal(t, 1, s.Depth())

	acquired := make(chan struct{})
	go func() {
		o := l.Enter()
		o.Exit()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock taken while held")
	case <-time.After(20 * time.Millisecond):
	}
	s.Exit()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}
	assert.Equal(t, int64(2), l.Acquisitions())
	assert.Panics(t, s.Exit)
}

func TestDetect(t *testing.T) {
	name, ok := vfs.FSTypeOf(0x0b)
	assert.True(t, ok)
	assert.Equal(t, "vfat", name)
	_, ok = vfs.FSTypeOf(0x05)
	assert.False(t, ok)
	for _, fstype := range []string{"vfat", "ext4", "littlefs", "txfs"} {
		ptype, ok := vfs.PartitionTypeOf(fstype)
		require.True(t, ok)
		back, _ := vfs.FSTypeOf(ptype)
		assert.Equal(t, fstype, back)
	}
	_, ok = vfs.PartitionTypeOf("ntfs")
	assert.False(t, ok)

	d := ramdisk.New(512, 16384)
	require.NoError(t, blkdev.WriteMBR(d, []blkdev.Partition{
		{Type: 0x83, StartSector: 2048, NumSectors: 2048},
		{Type: 0x42, StartSector: 4096, NumSectors: 2048},
		{Type: 0x42, StartSector: 8192, NumSectors: 2048},
	}))
	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(d, "emmc0", 0))

	handle := func(name string) *blkdev.DiskHandle {
		h, err := dm.DeviceHandle(name)
		require.NoError(t, err)
		return h
	}
	got, err := vfs.Detect(handle("emmc0part0"))
	require.NoError(t, err)
	assert.Equal(t, "ext4", got)

	// Unknown partition types fall back to the volume signature.
	_, err = vfs.Detect(handle("emmc0part1"))
	require.ErrorIs(t, err, syscall.ENODEV)

	sector := make([]byte, 512)
	copy(sector, "PHTXFS01")
	_, err = handle("emmc0part1").WriteAt(sector, 0)
	require.NoError(t, err)
	got, err = vfs.Detect(handle("emmc0part1"))
	require.NoError(t, err)
	assert.Equal(t, "txfs", got)

	clear(sector)
	copy(sector[0x52:], "FAT32   ")
	_, err = handle("emmc0part2").WriteAt(sector, 0)
	require.NoError(t, err)
	got, err = vfs.Detect(handle("emmc0part2"))
	require.NoError(t, err)
	assert.Equal(t, "vfat", got)

	_, err = io.ReadFull(io.NewSectionReader(handle("emmc0part2"), 0x52, 8), sector[:8])
	require.NoError(t, err)
	assert.Equal(t, "FAT32   ", string(sector[:8]))
}
