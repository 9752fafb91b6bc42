package blkdev_test

import (
	"runtime"
	"syscall"
	"testing"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/ramdisk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagedDisk(t *testing.T) (*blkdev.Manager, *countingDisk) {
	t.Helper()
	d := newDisk(4096, 256, 256)
	writeTable(t, d, 0,
		entry{0x83, false, 64, 1024},
		entry{0x9E, false, 1088, 1024},
	)
	m := blkdev.NewManager()
	require.NoError(t, m.RegisterDevice(d, "emmc0", 0))
	return m, d
}

func TestManager_Register(t *testing.T) {
	m, d := newManagedDisk(t)

	err := m.RegisterDevice(d, "emmc0", 0)
	assert.ErrorIs(t, err, blkdev.ErrExist)
	assert.ErrorIs(t, err, syscall.EEXIST)

	assert.ErrorIs(t, m.RegisterDevice(nil, "x", 0), syscall.EINVAL)
	assert.ErrorIs(t, m.RegisterDevice(ramdisk.New(512, 8), "", 0), syscall.EINVAL)

	assert.Equal(t, []string{"emmc0"}, m.Devices())

	parts, err := m.Partitions("emmc0")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "emmc0part0", parts[0].Name)
	assert.Equal(t, "emmc0part1", parts[1].Name)

	assert.ErrorIs(t, m.UnregisterDevice("nope"), syscall.ENOENT)
	require.NoError(t, m.UnregisterDevice("emmc0"))
	assert.Empty(t, m.Devices())
}

func TestManager_EEPROMWithoutScan(t *testing.T) {
	m := blkdev.NewManager()
	eeprom := ramdisk.New(64, 512)
	require.NoError(t, m.RegisterDevice(eeprom, "eeprom0", blkdev.FlagNoPartsScan))

	parts, err := m.Partitions("eeprom0")
	require.NoError(t, err)
	assert.Empty(t, parts)

	size, err := m.Info("eeprom0", blkdev.InfoSectorSize)
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)

	buf := make([]byte, 64)
	copy(buf, "calibration")
	require.NoError(t, m.Write("eeprom0", buf, 511, 1))
	out := make([]byte, 64)
	require.NoError(t, m.Read("eeprom0", out, 511, 1))
	assert.Equal(t, buf, out)
}

func TestManager_DeviceNames(t *testing.T) {
	m, _ := newManagedDisk(t)

	tests := []struct {
		name    string
		hw      blkdev.HWPart
		sectors uint64
		err     error
	}{
		{"emmc0", blkdev.NoHWPart, 4096, nil},
		{"emmc0part0", blkdev.NoHWPart, 1024, nil},
		{"emmc0part1", blkdev.NoHWPart, 1024, nil},
		{"emmc0sys1", 1, 256, nil},
		{"emmc0sys2", 2, 256, nil},
		{"emmc0part2", 0, 0, syscall.ENXIO},
		{"emmc0sys3", 0, 0, syscall.ENXIO},
		{"dummy0part0", 0, 0, syscall.ENXIO},
		{"emmc0partx", 0, 0, syscall.ENXIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := m.DeviceHandle(tt.name)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, h.Name())
			assert.Equal(t, tt.hw, h.Partition())
			assert.Equal(t, tt.hw != blkdev.NoHWPart, h.HasPartition())
			n, err := h.Sectors()
			require.NoError(t, err)
			assert.Equal(t, tt.sectors, n)
		})
	}
}

func TestDiskHandle_Overlaps(t *testing.T) {
	m, _ := newManagedDisk(t)
	require.NoError(t, m.RegisterDevice(ramdisk.New(sectorSize, 4096), "emmc1", 0))

	tests := []struct {
		a, b string
		want bool
	}{
		{"emmc0", "emmc0", true},
		{"emmc0", "emmc0sys0", true},
		{"emmc0", "emmc0part1", true},
		{"emmc0sys0", "emmc0part0", true},
		{"emmc0part0", "emmc0part0", true},
		{"emmc0part0", "emmc0part1", false},
		{"emmc0", "emmc0sys1", false},
		{"emmc0sys1", "emmc0sys2", false},
		{"emmc0", "emmc1", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			a, err := m.DeviceHandle(tt.a)
			require.NoError(t, err)
			b, err := m.DeviceHandle(tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Overlaps(b))
			assert.Equal(t, tt.want, b.Overlaps(a))
		})
	}
}

func TestManager_PartitionTranslation(t *testing.T) {
	m, d := newManagedDisk(t)

	buf := make([]byte, sectorSize)
	copy(buf, "hello")
	require.NoError(t, m.Write("emmc0part1", buf, 0, 1))

	raw := make([]byte, sectorSize)
	require.NoError(t, d.Read(raw, 1088, 1, blkdev.DefaultHWPart))
	assert.Equal(t, buf, raw)

	// last sector of the partition is fine, one past is not
	require.NoError(t, m.Read("emmc0part1", raw, 1023, 1))
	err := m.Read("emmc0part1", raw, 1024, 1)
	var re *blkdev.RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint64(1024), re.Sectors)
	assert.ErrorIs(t, err, syscall.ERANGE)

	start, err := m.Info("emmc0part1", blkdev.InfoStartSector)
	require.NoError(t, err)
	assert.Equal(t, int64(1088), start)
}

func TestManager_ReadWriteBounds(t *testing.T) {
	m, _ := newManagedDisk(t)
	buf := make([]byte, 2*sectorSize)

	require.NoError(t, m.Write("emmc0", buf, 4094, 2))
	assert.ErrorIs(t, m.Write("emmc0", buf, 4095, 2), blkdev.ErrRange)
	assert.ErrorIs(t, m.Read("emmc0", buf, 4096, 1), blkdev.ErrRange)
	assert.ErrorIs(t, m.Read("emmc0", buf[:10], 0, 1), syscall.EINVAL)
	assert.ErrorIs(t, m.Read("emmc0sys1", buf, 256, 1), blkdev.ErrRange)
	assert.ErrorIs(t, m.Erase("emmc0", 4000, 200), blkdev.ErrRange)
}

func TestManager_HandleExpires(t *testing.T) {
	m, _ := newManagedDisk(t)

	h, err := m.DeviceHandle("emmc0part0")
	require.NoError(t, err)
	_, ok := h.Disk()
	require.True(t, ok)

	require.NoError(t, m.UnregisterDevice("emmc0"))
	runtime.GC()

	_, ok = h.Disk()
	assert.False(t, ok)
	buf := make([]byte, sectorSize)
	assert.ErrorIs(t, h.Read(buf, 0, 1), blkdev.ErrExpired)
	assert.ErrorIs(t, h.Sync(), blkdev.ErrExpired)
	assert.Equal(t, blkdev.MediaRemoved, h.Status())
	assert.Equal(t, syscall.ENXIO, blkdev.Errno(h.Write(buf, 0, 1)))
}

func TestDiskHandle_SectorsCachedOnce(t *testing.T) {
	m := blkdev.NewManager()
	d := newDisk(1024)
	require.NoError(t, m.RegisterDevice(d, "emmc0", blkdev.FlagNoPartsScan))

	h, err := m.DeviceHandle("emmc0")
	require.NoError(t, err)

	// a failing query is not cached
	d.failInfo.Store(1)
	_, err = h.Sectors()
	require.Error(t, err)

	before := d.infoCalls.Load()
	n1, err := h.Sectors()
	require.NoError(t, err)
	n2, err := h.Sectors()
	require.NoError(t, err)

	assert.Equal(t, uint64(1024), n1)
	assert.Equal(t, n1, n2)
	assert.Equal(t, before+1, d.infoCalls.Load())
}

func TestManager_PowerAndStatus(t *testing.T) {
	m, _ := newManagedDisk(t)

	require.NoError(t, m.PMControl("emmc0", blkdev.PMSuspended))
	st, err := m.PMRead("emmc0")
	require.NoError(t, err)
	assert.Equal(t, blkdev.PMSuspended, st)

	buf := make([]byte, sectorSize)
	assert.ErrorIs(t, m.Read("emmc0", buf, 0, 1), blkdev.ErrSuspended)
	require.NoError(t, m.PMControl("emmc0", blkdev.PMActive))
	require.NoError(t, m.Read("emmc0", buf, 0, 1))

	status, err := m.Status("emmc0")
	require.NoError(t, err)
	assert.Equal(t, blkdev.MediaActive, status)

	_, err = m.PMRead("missing")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestManager_Reparse(t *testing.T) {
	m, d := newManagedDisk(t)

	require.NoError(t, blkdev.WriteMBR(d, []blkdev.Partition{{Type: 0x0C, StartSector: 8, NumSectors: 100}}))
	parts, err := m.Partitions("emmc0")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	require.NoError(t, m.ReparsePartitions("emmc0"))
	parts, err = m.Partitions("emmc0")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, uint8(0x0C), parts[0].Type)
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), blkdev.Errno(nil))
	assert.Equal(t, syscall.EIO, blkdev.Errno(assert.AnError))
	assert.Equal(t, syscall.ERANGE, blkdev.Errno(&blkdev.RangeError{}))
}
