package loglib_test

import (
	"io"
	"testing"

	"github.com/hupe1980/phonefs/internal/loglib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flash struct {
	data    []byte
	bs      uint32
	locks   int
	unlocks int
	erases  int
}

func newFlash(bs, count uint32) *flash {
	return &flash{data: make([]byte, bs*count), bs: bs}
}

func (f *flash) config(count uint32) *loglib.Config {
	return &loglib.Config{
		Context: f,
		Read: func(c *loglib.Config, block, off uint32, buf []byte) error {
			copy(buf, f.data[block*f.bs+off:])
			return nil
		},
		Prog: func(c *loglib.Config, block, off uint32, buf []byte) error {
			copy(f.data[block*f.bs+off:], buf)
			return nil
		},
		Erase: func(c *loglib.Config, block uint32) error {
			f.erases++
			clear(f.data[block*f.bs : (block+1)*f.bs])
			return nil
		},
		Lock:       func(*loglib.Config) error { f.locks++; return nil },
		Unlock:     func(*loglib.Config) error { f.unlocks++; return nil },
		ProgSize:   64,
		BlockSize:  f.bs,
		BlockCount: count,
	}
}

func (f *flash) clone() *flash {
	return &flash{data: append([]byte(nil), f.data...), bs: f.bs}
}

func mount(t *testing.T, f *flash, count uint32, format bool) *loglib.FS {
	t.Helper()
	fs := &loglib.FS{}
	if format {
		require.NoError(t, loglib.Format(fs, f.config(count)))
	}
	require.NoError(t, loglib.Mount(fs, f.config(count)))
	return fs
}

func writeFile(t *testing.T, fs *loglib.FS, p string, data []byte) {
	t.Helper()
	var f loglib.File
	require.NoError(t, fs.FileOpen(&f, p, loglib.WRONLY|loglib.CREAT|loglib.TRUNC))
	n, err := fs.FileWrite(&f, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fs.FileClose(&f))
}

func readFile(t *testing.T, fs *loglib.FS, p string) []byte {
	t.Helper()
	var f loglib.File
	require.NoError(t, fs.FileOpen(&f, p, loglib.RDONLY))
	defer func() { require.NoError(t, fs.FileClose(&f)) }()
	size, err := fs.FileSize(&f)
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err := fs.FileRead(&f, buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestMount_Unformatted(t *testing.T) {
	f := newFlash(512, 16)
	fs := &loglib.FS{}
	assert.Equal(t, loglib.ErrCorrupt, loglib.Mount(fs, f.config(16)))
	assert.Equal(t, loglib.ErrInval, loglib.Mount(fs, &loglib.Config{}))
}

func TestFS_PersistsAcrossMounts(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)

	require.NoError(t, fs.Mkdir("/logs"))
	writeFile(t, fs, "/logs/boot.txt", []byte("hello flash"))
	require.NoError(t, fs.Rename("/logs/boot.txt", "/logs/boot.old"))
	require.NoError(t, fs.Unmount())

	fs = mount(t, f, 16, false)
	assert.Equal(t, []byte("hello flash"), readFile(t, fs, "/logs/boot.old"))
	var info loglib.Info
	assert.Equal(t, loglib.ErrNoEnt, fs.Stat("/logs/boot.txt", &info))
	require.NoError(t, fs.Stat("logs", &info))
	assert.Equal(t, loglib.TypeDir, info.Type)
	assert.Equal(t, f.locks, f.unlocks)
}

func TestFS_Compaction(t *testing.T) {
	f := newFlash(512, 9)
	fs := mount(t, f, 9, true)
	start := fs.Generation()

	payload := make([]byte, 100)
	for i := range 200 {
		for j := range payload {
			payload[j] = byte(i)
		}
		writeFile(t, fs, "/counter", payload)
	}
	assert.Greater(t, fs.Generation(), start)
	require.NoError(t, fs.Unmount())

	fs = mount(t, f, 9, false)
	got := readFile(t, fs, "/counter")
	require.Len(t, got, 100)
	assert.Equal(t, byte(199), got[0])
}

func TestFS_NoSpace(t *testing.T) {
	f := newFlash(512, 9)
	fs := mount(t, f, 9, true)

	var file loglib.File
	require.NoError(t, fs.FileOpen(&file, "/big", loglib.WRONLY|loglib.CREAT))
	_, err := fs.FileWrite(&file, make([]byte, 4096))
	assert.Equal(t, loglib.ErrNoSpc, err)
	size, err := fs.FileSize(&file)
	require.NoError(t, err)
	assert.Zero(t, size)
	require.NoError(t, fs.FileClose(&file))
}

func TestFS_UnsyncedWritesLostOnPowerCut(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)

	var file loglib.File
	require.NoError(t, fs.FileOpen(&file, "/journal", loglib.RDWR|loglib.CREAT))
	_, err := fs.FileWrite(&file, []byte("synced"))
	require.NoError(t, err)
	require.NoError(t, fs.FileSync(&file))
	_, err = fs.FileWrite(&file, []byte("-pending"))
	require.NoError(t, err)

	crashed := f.clone()
	fs2 := mount(t, crashed, 16, false)
	assert.Equal(t, []byte("synced"), readFile(t, fs2, "/journal"))

	require.NoError(t, fs.FileClose(&file))
	fs3 := mount(t, f.clone(), 16, false)
	assert.Equal(t, []byte("synced-pending"), readFile(t, fs3, "/journal"))
}

func TestFS_FormatDiscardsOldGeneration(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)
	writeFile(t, fs, "/old", []byte("x"))
	require.NoError(t, fs.Unmount())

	fs = mount(t, f, 16, true)
	var info loglib.Info
	assert.Equal(t, loglib.ErrNoEnt, fs.Stat("/old", &info))
}

func TestFS_Errors(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)

	require.NoError(t, fs.Mkdir("/d"))
	writeFile(t, fs, "/d/f", []byte("1"))

	var file loglib.File
	assert.Equal(t, loglib.ErrNoEnt, fs.FileOpen(&file, "/missing", loglib.RDONLY))
	assert.Equal(t, loglib.ErrExist, fs.FileOpen(&file, "/d/f", loglib.WRONLY|loglib.CREAT|loglib.EXCL))
	assert.Equal(t, loglib.ErrIsDir, fs.FileOpen(&file, "/d", loglib.RDONLY))
	assert.Equal(t, loglib.ErrExist, fs.Mkdir("/d"))
	assert.Equal(t, loglib.ErrNoEnt, fs.Mkdir("/x/y"))
	assert.Equal(t, loglib.ErrNotEmpty, fs.Remove("/d"))
	assert.Equal(t, loglib.ErrInval, fs.Remove("/"))
	assert.Equal(t, loglib.ErrNameTooLong, fs.Mkdir("/"+string(make([]byte, 300))))
	assert.Equal(t, loglib.ErrBadF, fs.FileClose(&file))

	require.NoError(t, fs.FileOpen(&file, "/d/f", loglib.RDONLY))
	_, err := fs.FileWrite(&file, []byte("no"))
	assert.Equal(t, loglib.ErrBadF, err)
	_, err = fs.FileSeek(&file, -1, io.SeekStart)
	assert.Equal(t, loglib.ErrInval, err)
	require.NoError(t, fs.FileClose(&file))
}

func TestFS_Attributes(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)
	writeFile(t, fs, "/a", nil)

	require.NoError(t, fs.SetAttr("/a", loglib.AttrMode, []byte{0xa4, 0x01, 0, 0}))
	assert.Equal(t, loglib.ErrNoAttr, fs.SetAttr("/a", 'X', []byte{1}))
	require.NoError(t, fs.Unmount())

	fs = mount(t, f, 16, false)
	buf := make([]byte, 4)
	n, err := fs.GetAttr("/a", loglib.AttrMode, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0xa4, 0x01, 0, 0}, buf)
}

func TestFS_DirListing(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)
	require.NoError(t, fs.Mkdir("/media"))
	writeFile(t, fs, "/media/b.mp3", []byte("bb"))
	writeFile(t, fs, "/media/a.jpg", []byte("a"))

	var d loglib.Dir
	require.NoError(t, fs.DirOpen(&d, "/media"))
	var names []string
	for {
		var info loglib.Info
		ok, err := fs.DirRead(&d, &info)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{".", "..", "a.jpg", "b.mp3"}, names)

	require.NoError(t, fs.DirRewind(&d))
	var info loglib.Info
	ok, err := fs.DirRead(&d, &info)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ".", info.Name)
	require.NoError(t, fs.DirClose(&d))
	assert.Equal(t, loglib.ErrNotDir, fs.DirOpen(&d, "/media/a.jpg"))
}

func TestFS_RemoveWhileOpen(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)

	var file loglib.File
	require.NoError(t, fs.FileOpen(&file, "/tmp", loglib.RDWR|loglib.CREAT))
	require.NoError(t, fs.Remove("/tmp"))
	n, err := fs.FileWrite(&file, []byte("ghost"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	_, err = fs.FileSeek(&file, 0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = fs.FileRead(&file, buf)
	require.NoError(t, err)
	assert.Equal(t, "ghost", string(buf))
	require.NoError(t, fs.FileClose(&file))

	var info loglib.Info
	assert.Equal(t, loglib.ErrNoEnt, fs.Stat("/tmp", &info))
}

func TestFS_StatAndUnmount(t *testing.T) {
	f := newFlash(512, 16)
	fs := mount(t, f, 16, true)
	writeFile(t, fs, "/x", make([]byte, 1000))

	var st loglib.FSInfo
	require.NoError(t, fs.FSStat(&st))
	assert.Equal(t, uint32(512), st.BlockSize)
	assert.Equal(t, uint32(7), st.BlockCount)
	assert.GreaterOrEqual(t, st.UsedBlocks, uint32(2))
	assert.Equal(t, uint32(loglib.DefaultNameMax), st.NameMax)

	var file loglib.File
	require.NoError(t, fs.FileOpen(&file, "/x", loglib.RDONLY))
	require.NoError(t, fs.Unmount())
	assert.Equal(t, loglib.ErrInval, fs.Unmount())
	_, err := fs.FileSize(&file)
	assert.Error(t, err)
}
