package ext4_test

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/ramdisk"
	"github.com/hupe1980/phonefs/internal/extlib"
	"github.com/hupe1980/phonefs/vfs"
	"github.com/hupe1980/phonefs/vfs/drivers/ext4"
)

// setup returns a core with two formatted ext4 partitions, emmc0part0 and
// emmc0part1, on a partitioned ram disk.
func setup(t *testing.T) *vfs.Filesystem {
	t.Helper()
	d := ramdisk.New(512, 8192)
	require.NoError(t, blkdev.WriteMBR(d, []blkdev.Partition{
		{Type: 0x83, StartSector: 2048, NumSectors: 2048},
		{Type: 0x83, StartSector: 4096, NumSectors: 4096},
	}))
	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(d, "emmc0", 0))

	fsys := vfs.New(dm)
	require.NoError(t, fsys.RegisterFilesystem("ext4", ext4.New()))
	ctx := context.Background()
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part0", "ext4"))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part1", "ext4"))
	// Library registrations are global; release them for the next test.
	t.Cleanup(func() {
		for _, m := range fsys.Mounts() {
			_ = fsys.Umount(ctx, m.Path)
		}
	})
	return fsys
}

func writeFile(t *testing.T, fsys *vfs.Filesystem, p string, data []byte) {
	t.Helper()
	fd, err := fsys.Open(context.Background(), p, syscall.O_CREAT|syscall.O_WRONLY|syscall.O_TRUNC, 0o644)
	require.NoError(t, err)
	n, err := fsys.Write(fd, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fsys.Close(fd))
}

func readFile(t *testing.T, fsys *vfs.Filesystem, p string) []byte {
	t.Helper()
	fd, err := fsys.Open(context.Background(), p, syscall.O_RDONLY, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, fsys.Close(fd)) }()
	var out []byte
	buf := make([]byte, 700)
	for {
		n, err := fsys.Read(fd, buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestAutodetectAndPersistence(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", vfs.FSTypeAuto, 0, nil))

	mp, err := fsys.MountPointOf(ctx, "/user/db")
	require.NoError(t, err)
	assert.Equal(t, "/emmc0part1/", mp.NativeRoot())

	data := bytes.Repeat([]byte("0123456789abcdef"), 300)
	require.NoError(t, fsys.Mkdir(ctx, "/user/db", 0o750))
	writeFile(t, fsys, "/user/db/contacts.db", data)

	require.NoError(t, fsys.Umount(ctx, "/user"))
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", "ext4", 0, nil))
	assert.Equal(t, data, readFile(t, fsys, "/user/db/contacts.db"))

	var st vfs.Stat
	require.NoError(t, fsys.Stat(ctx, "/user/db", &st))
	assert.True(t, st.IsDir())
	assert.Equal(t, uint32(0o750), st.Mode&vfs.ModePerm)

	var sfs vfs.StatFS
	require.NoError(t, fsys.StatVFS(ctx, "/user/db", &sfs))
	assert.Equal(t, uint64(extlib.DefaultBlockSize), sfs.BlockSize)
	assert.Less(t, sfs.BlocksFree, sfs.Blocks)
}

func TestReadOnlyAndRemount(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/system", "ext4", 0, nil))
	writeFile(t, fsys, "/system/.boot.json", []byte(`{"os":"1.0"}`))
	require.NoError(t, fsys.Umount(ctx, "/system"))

	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/system", "ext4", vfs.FlagReadOnly, nil))
	_, err := fsys.Open(ctx, "/system/.boot.json", syscall.O_WRONLY, 0)
	require.ErrorIs(t, err, syscall.EACCES)
	require.ErrorIs(t, fsys.Mkdir(ctx, "/system/x", 0o755), syscall.EACCES)

	var st vfs.Stat
	require.NoError(t, fsys.Stat(ctx, "/system/.boot.json", &st))
	assert.Zero(t, st.Mode&vfs.ModeWrite)

	fd, err := fsys.Open(ctx, "/system/.boot.json", syscall.O_RDONLY, 0)
	require.NoError(t, err)
	require.ErrorIs(t, fsys.Mount(ctx, "", "/system", "", vfs.FlagRemount, nil), syscall.EBUSY)
	require.NoError(t, fsys.Close(fd))

	require.NoError(t, fsys.Mount(ctx, "", "/system", "", vfs.FlagRemount, nil))
	writeFile(t, fsys, "/system/var", []byte("rw"))
	assert.Equal(t, []byte("rw"), readFile(t, fsys, "/system/var"))
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", "ext4", 0, nil))

	_, err := fsys.Open(ctx, "/user/missing", syscall.O_RDONLY, 0)
	require.ErrorIs(t, err, syscall.ENOENT)
	require.NoError(t, fsys.Mkdir(ctx, "/user/media", 0o755))
	require.ErrorIs(t, fsys.Mkdir(ctx, "/user/media", 0o755), syscall.EEXIST)
	_, err = fsys.Open(ctx, "/user/media", syscall.O_RDONLY, 0)
	require.ErrorIs(t, err, syscall.EISDIR)
	require.ErrorIs(t, fsys.Unlink(ctx, "/user/media"), syscall.EISDIR)

	writeFile(t, fsys, "/user/media/a.mp3", []byte("id3"))
	_, err = fsys.Open(ctx, "/user/media/a.mp3", syscall.O_CREAT|syscall.O_EXCL|syscall.O_WRONLY, 0o644)
	require.ErrorIs(t, err, syscall.EEXIST)
	require.ErrorIs(t, fsys.Rmdir(ctx, "/user/media"), syscall.ENOTEMPTY)

	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/system", "ext4", 0, nil))
	require.ErrorIs(t, fsys.Rename(ctx, "/user/media/a.mp3", "/system/a.mp3"), syscall.EXDEV)
	require.ErrorIs(t, fsys.Link(ctx, "/user/media/a.mp3", "/user/media/b.mp3"), syscall.ENOTSUP)
	require.ErrorIs(t, fsys.Mount(ctx, "emmc0part0", "/other", "ext4", 0, nil), syscall.EBUSY)
}

func TestDirectoryListing(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", "ext4", 0, nil))
	for _, n := range []string{"c", "a", "b"} {
		writeFile(t, fsys, "/user/"+n, []byte(n))
	}
	require.NoError(t, fsys.Mkdir(ctx, "/user/d", 0o755))

	d, err := fsys.DirOpen(ctx, "/user")
	require.NoError(t, err)
	list := func() map[string]bool {
		out := map[string]bool{}
		var st vfs.Stat
		for {
			name, err := fsys.DirNext(d, &st)
			if err != nil {
				require.ErrorIs(t, err, vfs.ErrEndOfDir)
				return out
			}
			out[name] = st.IsDir()
		}
	}
	want := map[string]bool{"a": false, "b": false, "c": false, "d": true}
	assert.Equal(t, want, list())
	require.NoError(t, fsys.DirReset(d))
	assert.Equal(t, want, list())
	require.NoError(t, fsys.DirClose(d))
}

func TestLibraryCallsAreSerialized(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/system", "ext4", 0, nil))
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", "ext4", 0, nil))

	before := extlib.Violations()
	acquired := ext4.Lock().Acquisitions()

	var g errgroup.Group
	for w := range 4 {
		root := "/system"
		if w%2 == 1 {
			root = "/user"
		}
		g.Go(func() error {
			for i := range 25 {
				p := fmt.Sprintf("%s/w%d-%d", root, w, i)
				fd, err := fsys.Open(ctx, p, syscall.O_CREAT|syscall.O_RDWR, 0o644)
				if err != nil {
					return err
				}
				if _, err := fsys.Write(fd, bytes.Repeat([]byte{byte(i)}, 1500)); err != nil {
					return err
				}
				var st vfs.Stat
				if err := fsys.Fstat(fd, &st); err != nil {
					return err
				}
				if err := fsys.Close(fd); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, before, extlib.Violations())
	assert.Greater(t, ext4.Lock().Acquisitions(), acquired)
}

func TestOrphanedDescriptor(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/user", "ext4", 0, nil))
	fd, err := fsys.Open(ctx, "/user/tmp", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, fsys.Umount(ctx, "/user"))

	_, err = fsys.Write(fd, []byte("x"))
	require.ErrorIs(t, err, syscall.EBADF)
	require.ErrorIs(t, fsys.Close(fd), syscall.EBADF)
	require.ErrorIs(t, fsys.Close(fd), syscall.EBADF)
	assert.Equal(t, 0, fsys.OpenFiles())
}
