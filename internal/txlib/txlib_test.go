package txlib_test

import (
	"io"
	"testing"

	"github.com/hupe1980/phonefs/internal/txlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDev struct {
	ss      uint32
	data    []byte
	flushes int
}

func newMemDev(ss uint32, sectors int) *memDev {
	return &memDev{ss: ss, data: make([]byte, int(ss)*sectors)}
}

func (d *memDev) SectorSize() uint32  { return d.ss }
func (d *memDev) SectorCount() uint64 { return uint64(len(d.data)) / uint64(d.ss) }
func (d *memDev) Flush() error        { d.flushes++; return nil }

func (d *memDev) ReadSectors(lba uint64, buf []byte) error {
	copy(buf, d.data[lba*uint64(d.ss):])
	return nil
}

func (d *memDev) WriteSectors(lba uint64, buf []byte) error {
	copy(d.data[lba*uint64(d.ss):], buf)
	return nil
}

func formatted(t *testing.T, name string, sectors int) *memDev {
	t.Helper()
	dev := newMemDev(512, sectors)
	require.NoError(t, txlib.Format(dev))
	require.NoError(t, txlib.Mount(name, dev))
	t.Cleanup(func() { _ = txlib.Unmount(name) })
	return dev
}

func put(t *testing.T, p string, data string) {
	t.Helper()
	fd, err := txlib.Open(p, txlib.OWRONLY|txlib.OCREAT|txlib.OTRUNC)
	require.NoError(t, err)
	n, err := txlib.Write(fd, []byte(data))
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, txlib.Close(fd))
}

func get(t *testing.T, p string) string {
	t.Helper()
	fd, err := txlib.Open(p, txlib.ORDONLY)
	require.NoError(t, err)
	defer func() { require.NoError(t, txlib.Close(fd)) }()
	var st txlib.Stat
	require.NoError(t, txlib.Fstat(fd, &st))
	buf := make([]byte, st.Size)
	n, err := txlib.Read(fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestMount_Unformatted(t *testing.T) {
	assert.Equal(t, txlib.EIO, txlib.Mount("blank", newMemDev(512, 64)))
	assert.Equal(t, txlib.EINVAL, txlib.Mount("a:b", newMemDev(512, 64)))
	assert.Equal(t, txlib.EINVAL, txlib.Format(newMemDev(512, 2)))
}

func TestVolume_PersistsAcrossMounts(t *testing.T) {
	dev := formatted(t, "persist", 256)

	require.NoError(t, txlib.Mkdir("persist:/db"))
	put(t, "persist:/db/contacts.db", "alice,bob")
	require.NoError(t, txlib.Unmount("persist"))

	require.NoError(t, txlib.Mount("persist", dev))
	assert.Equal(t, "alice,bob", get(t, "persist:/db/contacts.db"))

	var st txlib.Stat
	require.NoError(t, txlib.StatPath("persist:/db", &st))
	assert.True(t, st.IsDir())
	require.NoError(t, txlib.StatPath("persist:/db/contacts.db", &st))
	assert.Equal(t, uint32(txlib.ModeReg|0o644), st.Mode)
}

func TestVolume_ManualTransactions(t *testing.T) {
	dev := formatted(t, "manual", 256)
	require.NoError(t, txlib.SetTransMask("manual", txlib.TransManual))
	mask, err := txlib.GetTransMask("manual")
	require.NoError(t, err)
	assert.Equal(t, txlib.TransManual, mask)

	put(t, "manual:/kept", "1")
	require.NoError(t, txlib.Transact("manual"))
	put(t, "manual:/lost", "2")
	require.NoError(t, txlib.Unmount("manual"))

	require.NoError(t, txlib.Mount("manual", dev))
	assert.Equal(t, "1", get(t, "manual:/kept"))
	var st txlib.Stat
	assert.Equal(t, txlib.ENOENT, txlib.StatPath("manual:/lost", &st))
}

func TestVolume_FallsBackToPreviousImage(t *testing.T) {
	dev := formatted(t, "fallback", 256)
	put(t, "fallback:/a", "first")

	var st txlib.StatFS
	require.NoError(t, txlib.Statvfs("fallback", &st))
	before := st.Transaction

	put(t, "fallback:/a", "second")
	require.NoError(t, txlib.Statvfs("fallback", &st))
	require.Greater(t, st.Transaction, before)
	require.NoError(t, txlib.Unmount("fallback"))

	// Format writes sequence 1 to slot 0 and every commit alternates
	slot := int((st.Transaction + 1) % 2)
	slotBytes := len(dev.data) / 2
	dev.data[slot*slotBytes+3] ^= 0xff

	require.NoError(t, txlib.Mount("fallback", dev))
	assert.Equal(t, "first", get(t, "fallback:/a"))
}

func TestVolume_NoSpace(t *testing.T) {
	formatted(t, "tiny", 8)
	fd, err := txlib.Open("tiny:/big", txlib.OWRONLY|txlib.OCREAT)
	require.NoError(t, err)
	_, err = txlib.Write(fd, make([]byte, 4096))
	assert.Equal(t, txlib.ENOSPC, err)
	require.NoError(t, txlib.Close(fd))
}

func TestVolume_Errors(t *testing.T) {
	dev := formatted(t, "errs", 256)
	formatted(t, "other", 256)

	assert.Equal(t, txlib.EBUSY, txlib.Mount("errs", dev))
	assert.Equal(t, txlib.EBUSY, txlib.Format(dev))

	require.NoError(t, txlib.Mkdir("errs:/d"))
	put(t, "errs:/d/f", "x")

	_, err := txlib.Open("errs:/missing", txlib.ORDONLY)
	assert.Equal(t, txlib.ENOENT, err)
	_, err = txlib.Open("errs:/d/f", txlib.OWRONLY|txlib.OCREAT|txlib.OEXCL)
	assert.Equal(t, txlib.EEXIST, err)
	_, err = txlib.Open("errs:/d", txlib.ORDONLY)
	assert.Equal(t, txlib.EISDIR, err)
	_, err = txlib.Open("errs:/d/f", 0)
	assert.Equal(t, txlib.EINVAL, err)
	_, err = txlib.Open("nowhere:/f", txlib.ORDONLY)
	assert.Equal(t, txlib.ENOENT, err)

	assert.Equal(t, txlib.ENOTEMPTY, txlib.Rmdir("errs:/d"))
	assert.Equal(t, txlib.ENOTDIR, txlib.Rmdir("errs:/d/f"))
	assert.Equal(t, txlib.EISDIR, txlib.Unlink("errs:/d"))
	assert.Equal(t, txlib.EXDEV, txlib.Rename("errs:/d/f", "other:/f"))
	assert.Equal(t, txlib.EEXIST, txlib.Mkdir("errs:/"))

	fd, err := txlib.Open("errs:/d/f", txlib.ORDONLY)
	require.NoError(t, err)
	_, err = txlib.Write(fd, []byte("no"))
	assert.Equal(t, txlib.EBADF, err)
	_, err = txlib.Lseek(fd, -1, io.SeekStart)
	assert.Equal(t, txlib.EINVAL, err)
	_, err = txlib.Readdir(fd)
	assert.Equal(t, txlib.ENOTDIR, err)

	require.NoError(t, txlib.Unmount("errs"))
	_, err = txlib.Read(fd, make([]byte, 1))
	assert.Equal(t, txlib.EBADF, err)
}

func TestVolume_UnlinkWhileOpen(t *testing.T) {
	formatted(t, "orphan", 256)
	put(t, "orphan:/tmp", "data")

	fd, err := txlib.Open("orphan:/tmp", txlib.ORDWR)
	require.NoError(t, err)
	require.NoError(t, txlib.Unlink("orphan:/tmp"))

	var st txlib.Stat
	require.NoError(t, txlib.Fstat(fd, &st))
	assert.Zero(t, st.Nlink)
	buf := make([]byte, 4)
	_, err = txlib.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf))
	require.NoError(t, txlib.Close(fd))
}

func TestVolume_Directories(t *testing.T) {
	formatted(t, "dirs", 256)
	require.NoError(t, txlib.Mkdir("dirs:/media"))
	put(t, "dirs:/media/b", "bb")
	put(t, "dirs:/media/a", "a")
	require.NoError(t, txlib.Rename("dirs:/media/b", "dirs:/media/c"))

	dh, err := txlib.Opendir("dirs:/media")
	require.NoError(t, err)
	var names []string
	for {
		ent, err := txlib.Readdir(dh)
		require.NoError(t, err)
		if ent == nil {
			break
		}
		names = append(names, ent.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)

	require.NoError(t, txlib.Rewinddir(dh))
	ent, err := txlib.Readdir(dh)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "a", ent.Name)
	assert.Equal(t, int64(1), ent.Stat.Size)
	require.NoError(t, txlib.Closedir(dh))
	assert.Equal(t, txlib.EBADF, txlib.Closedir(dh))

	require.NoError(t, txlib.Chmod("dirs:/media/a", 0o600))
	var st txlib.Stat
	require.NoError(t, txlib.StatPath("dirs:/media/a", &st))
	assert.Equal(t, uint32(txlib.ModeReg|0o600), st.Mode)
}
