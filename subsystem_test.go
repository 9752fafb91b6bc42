package phonefs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/phonefs"
	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/emmc"
	"github.com/hupe1980/phonefs/blkdev/imagedisk"
	"github.com/hupe1980/phonefs/notify"
	"github.com/hupe1980/phonefs/vfs"
	"github.com/hupe1980/phonefs/vfs/drivers/ext4"
	"github.com/hupe1980/phonefs/vfs/drivers/littlefs"
	"github.com/hupe1980/phonefs/vfs/drivers/vfat"
)

const sysSize = 1 << 20

// prepareImage creates an image with an ext4 and a FAT partition in the
// user area and a flash log volume on hardware partition 1.
func prepareImage(t *testing.T) string {
	t.Helper()
	img := filepath.Join(t.TempDir(), "phone.img")
	opts := []imagedisk.Option{imagedisk.WithHWPartitions(2), imagedisk.WithSysPartitionSize(sysSize)}
	require.NoError(t, imagedisk.Create(img, 8<<20, opts...))

	d := imagedisk.New(img, opts...)
	require.NoError(t, d.Probe(0))
	require.NoError(t, blkdev.WriteMBR(d, []blkdev.Partition{
		{Type: 0x83, StartSector: 2048, NumSectors: 4096},
		{Type: 0x0c, StartSector: 6144, NumSectors: 8192},
	}))

	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(d, "emmc0", 0))
	fsys := vfs.New(dm)
	require.NoError(t, fsys.RegisterFilesystem("ext4", ext4.New()))
	require.NoError(t, fsys.RegisterFilesystem("vfat", vfat.New()))
	require.NoError(t, fsys.RegisterFilesystem("littlefs", littlefs.New()))
	ctx := context.Background()
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part0", "ext4"))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part1", "vfat"))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0sys1", "littlefs"))
	require.NoError(t, dm.UnregisterDevice("emmc0"))
	return img
}

func writeConfig(t *testing.T, img string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "phonefs.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
logLevel: error
disks:
  - name: emmc0
    image: `+img+`
    hwPartitions: 2
    sysPartitionSize: 1048576
mounts:
  - device: emmc0part0
    path: /sys
  - device: emmc0part1
    path: /user
  - device: emmc0sys1
    path: /mfgconf
    fstype: littlefs
    flags: ro,noatime
`), 0o644))
	return p
}

func TestSubsystemLifecycle(t *testing.T) {
	ctx := context.Background()
	cfgPath := writeConfig(t, prepareImage(t))
	cfg, err := phonefs.LoadConfig(cfgPath, `{"createLayout":true}`)
	require.NoError(t, err)

	bus := notify.NewChannelBus()
	inbox := bus.Subscribe("gallery", 8)
	metrics := &phonefs.BasicMetricsCollector{}
	s := phonefs.New(phonefs.WithBus(bus), phonefs.WithMetricsCollector(metrics))
	require.NoError(t, s.Init(ctx, cfg))

	mounts := s.Mounts()
	require.Len(t, mounts, 3)
	assert.Equal(t, vfs.MountInfo{Path: "/sys", Device: "emmc0part0", FSType: "ext4"}, mounts[0])
	assert.Equal(t, vfs.MountInfo{Path: "/user", Device: "emmc0part1", FSType: "vfat"}, mounts[1])
	assert.Equal(t, "littlefs", mounts[2].FSType)
	assert.Equal(t, vfs.FlagReadOnly|vfs.FlagNoATime, mounts[2].Flags)

	var st vfs.Stat
	for _, dir := range s.Layout().Dirs() {
		require.NoError(t, s.FS().Stat(ctx, dir, &st), dir)
		assert.Equal(t, vfs.ModeDir, st.Mode&vfs.ModeType, dir)
	}

	svc := notify.NewService("gallery")
	_, err = s.Notifier().RegisterPath(s.Layout().UserMedia(), svc, notify.EventCreate)
	require.NoError(t, err)

	px := s.Posix()
	fd, errno := px.Open(ctx, "/user/media/cat.jpg", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	require.Zero(t, errno)
	_, errno = px.Write(fd, []byte("meow"))
	require.Zero(t, errno)
	_, errno = px.Close(fd)
	require.Zero(t, errno)

	select {
	case msg := <-inbox:
		assert.Equal(t, "/user/media/cat.jpg", msg.Path)
		assert.Equal(t, notify.EventCreate, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("no create notification")
	}
	runtime.KeepAlive(svc)

	_, errno = px.Open(ctx, "/mfgconf/serial", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	assert.Equal(t, syscall.EACCES, errno)

	assert.ErrorIs(t, s.Init(ctx, cfg), phonefs.ErrAlreadyInitialized)

	stats := metrics.GetStats()
	assert.Equal(t, int64(3), stats.MountCount)
	assert.Equal(t, map[string]int64{"ext4": 1, "vfat": 1, "littlefs": 1}, stats.MountsByFSType)
	assert.Equal(t, int64(4), stats.WriteBytes)

	require.NoError(t, s.Close(ctx))
	assert.Empty(t, s.Mounts())
	assert.Empty(t, s.Disks().Devices())
	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Init(ctx, cfg), phonefs.ErrClosed)

	s, err = phonefs.Open(ctx, cfgPath, phonefs.WithLogger(phonefs.NoopLogger()))
	require.NoError(t, err)
	defer s.Close(ctx)
	fd2, err := s.FS().Open(ctx, "/user/media/cat.jpg", syscall.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := s.FS().Read(fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "meow", string(buf[:n]))
	require.NoError(t, s.FS().Close(fd2))
}

func TestInitRollback(t *testing.T) {
	ctx := context.Background()
	s := phonefs.New()

	cfg := phonefs.Config{
		Disks:  []phonefs.DiskConfig{{Name: "emmc0", Kind: phonefs.DiskEMMC, Size: 1 << 20}},
		Mounts: []phonefs.MountConfig{{Device: "emmc9", Path: "/sys", FSType: "littlefs"}},
	}
	err := s.Init(ctx, cfg)
	var merr *phonefs.MountError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "emmc9", merr.Device)
	assert.ErrorIs(t, err, syscall.ENXIO)
	assert.Empty(t, s.Disks().Devices())
	_, ok := s.FS().Driver("littlefs")
	assert.False(t, ok)

	cfg.Mounts = nil
	require.NoError(t, s.Init(ctx, cfg))
	assert.Equal(t, []string{"emmc0"}, s.Disks().Devices())
	require.NoError(t, s.FS().Mkfs(ctx, "emmc0", "littlefs"))
	require.NoError(t, s.FS().Mount(ctx, "emmc0", "/sys", "littlefs", 0, nil))

	require.NoError(t, s.Close(ctx))
	assert.Empty(t, s.Mounts())
}

func TestInitErrors(t *testing.T) {
	ctx := context.Background()

	err := phonefs.New().Init(ctx, phonefs.Config{
		Disks: []phonefs.DiskConfig{{Name: "emmc0", Image: filepath.Join(t.TempDir(), "none.img")}},
	})
	var derr *phonefs.DiskError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "emmc0", derr.Name)
	assert.Equal(t, phonefs.DiskImage, derr.Kind)

	err = phonefs.New().Init(ctx, phonefs.Config{
		Disks:  []phonefs.DiskConfig{{Name: "emmc0", Kind: phonefs.DiskEMMC, Size: 1 << 20}},
		Mounts: []phonefs.MountConfig{{Device: "emmc0", Path: "/sys", Flags: "turbo"}},
	})
	assert.ErrorIs(t, err, syscall.EINVAL)

	assert.Error(t, phonefs.New().Init(ctx, phonefs.Config{
		Disks: []phonefs.DiskConfig{{Name: "emmc0", Kind: "nand"}},
	}))

	_, err = phonefs.Open(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestImageCreatedFromConfig(t *testing.T) {
	ctx := context.Background()
	img := filepath.Join(t.TempDir(), "fresh.img")
	s := phonefs.New()
	require.NoError(t, s.Init(ctx, phonefs.Config{
		Disks: []phonefs.DiskConfig{{Name: "eeprom0", Image: img, Size: 64 << 10, SectorSize: 64, NoPartScan: true}},
	}))
	defer s.Close(ctx)

	info, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), info.Size())
	parts, err := s.Disks().Partitions("eeprom0")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestControllerOption(t *testing.T) {
	ctx := context.Background()
	ctrl := emmc.NewMemoryController(512, 2048, 256)
	s := phonefs.New(phonefs.WithController("emmc0", ctrl))
	require.NoError(t, s.Init(ctx, phonefs.Config{
		Disks: []phonefs.DiskConfig{{Name: "emmc0", Kind: phonefs.DiskEMMC, Size: 512, HWPartitions: 2, SysPartitionSize: 512}},
	}))
	defer s.Close(ctx)

	h, err := s.Disks().DeviceHandle("emmc0sys1")
	require.NoError(t, err)
	sectors, err := h.Sectors()
	require.NoError(t, err)
	assert.Equal(t, uint64(256), sectors)
}

func TestLogger(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, phonefs.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, phonefs.ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, phonefs.ParseLevel("loud"))

	var buf bytes.Buffer
	l := phonefs.NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()
	l.Component("vfs").LogMount(ctx, "emmc0part0", "/sys", "ext4", nil)
	assert.Contains(t, buf.String(), "mount completed")
	assert.Contains(t, buf.String(), "component=vfs")

	buf.Reset()
	l.WithDisk("emmc0").LogDiskRegistered(ctx, "emmc0", "image", errors.New("boom"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "error=boom")

	buf.Reset()
	l.LogLayout(ctx, 3, 1)
	assert.Contains(t, buf.String(), "skipped=1")

	phonefs.NoopLogger().LogUmount(ctx, "/sys", io.EOF)
}

func TestBasicMetricsCollector(t *testing.T) {
	var m phonefs.BasicMetricsCollector
	m.RecordMount("ext4", time.Millisecond, nil)
	m.RecordMount("ext4", time.Millisecond, syscall.ENODEV)
	m.RecordOpen(2*time.Microsecond, nil)
	m.RecordOpen(4*time.Microsecond, syscall.ENOENT)
	m.RecordRead(10, 0, nil)
	m.RecordRead(0, 0, syscall.EIO)
	m.RecordWrite(7, 0, nil)
	m.RecordNotify(2, 1)

	s := m.GetStats()
	assert.Equal(t, int64(2), s.MountCount)
	assert.Equal(t, int64(1), s.MountErrors)
	assert.Equal(t, map[string]int64{"ext4": 1}, s.MountsByFSType)
	assert.Equal(t, int64(3000), s.OpenAvgNanos)
	assert.Equal(t, int64(1), s.OpenErrors)
	assert.Equal(t, int64(10), s.ReadBytes)
	assert.Equal(t, int64(1), s.ReadErrors)
	assert.Equal(t, int64(7), s.WriteBytes)
	assert.Equal(t, int64(2), s.NotifyDelivered)
	assert.Equal(t, int64(1), s.NotifyDropped)

	var _ phonefs.MetricsCollector = phonefs.NoopMetricsCollector{}
}
