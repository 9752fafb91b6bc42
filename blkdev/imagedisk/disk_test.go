package imagedisk

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, size int64, opts ...Option) *Disk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phone.img")
	require.NoError(t, Create(path, size, opts...))
	d := New(path, opts...)
	require.NoError(t, d.Probe(0))
	t.Cleanup(func() { _ = d.Cleanup() })
	return d
}

func TestCreate_HardwarePartitionFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phone.img")
	require.NoError(t, Create(path, 1<<20, WithHWPartitions(3), WithSysPartitionSize(64<<10)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), info.Size())
	for hw := 1; hw < 3; hw++ {
		info, err := os.Stat(PartitionPath(path, hw))
		require.NoError(t, err)
		assert.Equal(t, int64(64<<10), info.Size())
	}
	_, err = os.Stat(PartitionPath(path, 3))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, Create(path, 1000), syscall.EINVAL)
}

func TestDisk_ReadWrite(t *testing.T) {
	d := newImage(t, 1<<20, WithHWPartitions(2), WithSysPartitionSize(64<<10))

	n, err := d.Info(blkdev.InfoSectorCount, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), n)
	n, err = d.Info(blkdev.InfoSectorCount, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(128), n)

	buf := make([]byte, 1024)
	copy(buf, "boot sector")
	require.NoError(t, d.Write(buf, 2046, 2, 0))
	require.NoError(t, d.Write(buf, 0, 2, 1))
	require.NoError(t, d.Sync())

	out := make([]byte, 1024)
	require.NoError(t, d.Read(out, 2046, 2, 0))
	assert.Equal(t, buf, out)

	// the hardware partitions are separate media
	require.NoError(t, d.Read(out, 0, 2, 0))
	assert.NotEqual(t, buf, out)

	require.NoError(t, d.Erase(2046, 2, 0))
	require.NoError(t, d.Read(out, 2046, 2, 0))
	assert.Equal(t, make([]byte, 1024), out)
}

func TestDisk_Errors(t *testing.T) {
	d := newImage(t, 64<<10)
	buf := make([]byte, 512)

	assert.ErrorIs(t, d.Read(buf, 128, 1, 0), blkdev.ErrRange)
	assert.ErrorIs(t, d.Write(buf, 127, 2, 0), blkdev.ErrRange)
	assert.ErrorIs(t, d.Read(buf, 0, 1, 1), syscall.ENXIO)
	assert.ErrorIs(t, d.Read(buf[:100], 0, 1, 0), syscall.EINVAL)
	_, err := d.Info(blkdev.InfoType(99), 0)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestDisk_EEPROMEmulation(t *testing.T) {
	d := newImage(t, 32<<10, WithSectorSize(64))

	size, err := d.Info(blkdev.InfoSectorSize, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)

	buf := make([]byte, 64)
	copy(buf, "imei")
	require.NoError(t, d.Write(buf, 511, 1, 0))
	out := make([]byte, 64)
	require.NoError(t, d.Read(out, 511, 1, 0))
	assert.Equal(t, buf, out)

	m := blkdev.NewManager()
	// the disk is already probed, Probe is idempotent
	require.NoError(t, m.RegisterDevice(d, "eeprom0", blkdev.FlagNoPartsScan))
}

func TestDisk_PowerManagement(t *testing.T) {
	d := newImage(t, 64<<10)
	buf := make([]byte, 512)

	require.NoError(t, d.PMControl(blkdev.PMSuspended))
	assert.ErrorIs(t, d.Read(buf, 0, 1, 0), syscall.EBUSY)
	assert.ErrorIs(t, d.PMControl(blkdev.PMPowerOff), syscall.ENOTSUP)

	require.NoError(t, d.PMControl(blkdev.PMActive))
	st, err := d.PMRead()
	require.NoError(t, err)
	assert.Equal(t, blkdev.PMActive, st)
	require.NoError(t, d.Read(buf, 0, 1, 0))
}

func TestDisk_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phone.img")
	d := New(path)
	assert.Equal(t, blkdev.MediaUninitialized, d.Status())
	assert.ErrorIs(t, d.Probe(0), syscall.EIO)

	require.NoError(t, Create(path, 64<<10))
	require.NoError(t, d.Probe(0))
	assert.Equal(t, blkdev.MediaActive, d.Status())
	require.NoError(t, d.Cleanup())
	assert.Equal(t, blkdev.MediaUninitialized, d.Status())
	assert.ErrorIs(t, d.Read(make([]byte, 512), 0, 1, 0), blkdev.ErrMediaRemoved)
}

func TestDisk_FaultInjection(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".hwpart1", fs.Fault{FailAfterBytes: 0, FailOnRead: true})
	d := newImage(t, 64<<10, WithFileSystem(ffs), WithHWPartitions(2), WithSysPartitionSize(64<<10))

	buf := make([]byte, 512)
	require.NoError(t, d.Write(buf, 0, 1, 0))

	err := d.Write(buf, 0, 1, 1)
	assert.ErrorIs(t, err, blkdev.ErrIO)
	assert.Equal(t, syscall.EIO, blkdev.Errno(err))
	assert.ErrorIs(t, d.Read(buf, 0, 1, 1), syscall.EIO)
}

func TestDisk_Bandwidth(t *testing.T) {
	d := newImage(t, 64<<10, WithBandwidth(1<<20))
	buf := make([]byte, 4096)
	require.NoError(t, d.Write(buf, 0, 8, 0))
	assert.Equal(t, int64(4096), d.opts.rc.IOBytes())
}
