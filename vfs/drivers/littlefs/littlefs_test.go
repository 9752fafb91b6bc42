package littlefs_test

import (
	"context"
	"io"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/imagedisk"
	"github.com/hupe1980/phonefs/blkdev/ramdisk"
	"github.com/hupe1980/phonefs/vfs"
	"github.com/hupe1980/phonefs/vfs/drivers/littlefs"
)

func newFS(t *testing.T, d blkdev.Disk) *vfs.Filesystem {
	t.Helper()
	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(d, "emmc0", 0))
	fsys := vfs.New(dm)
	require.NoError(t, fsys.RegisterFilesystem("littlefs", littlefs.New()))
	return fsys
}

func TestImageDiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	// the user area and a system partition of the same image
	for _, dev := range []string{"emmc0sys0", "emmc0sys1"} {
		t.Run(dev, func(t *testing.T) {
			image := filepath.Join(t.TempDir(), "emmc0.img")
			opts := []imagedisk.Option{
				imagedisk.WithHWPartitions(8),
				imagedisk.WithSysPartitionSize(1 << 20),
			}
			require.NoError(t, imagedisk.Create(image, 4<<20, opts...))
			fsys := newFS(t, imagedisk.New(image, opts...))

			require.NoError(t, fsys.Mkfs(ctx, dev, "littlefs"))
			require.NoError(t, fsys.Mount(ctx, dev, "/sys", "littlefs", 0, nil))

			fd, err := fsys.Open(ctx, "/sys/test.txt", syscall.O_CREAT|syscall.O_RDWR, 0o644)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, fd, 3)
			n, err := fsys.Write(fd, []byte("hello flash"))
			require.NoError(t, err)
			assert.Equal(t, 11, n)
			require.NoError(t, fsys.Fsync(fd))
			require.NoError(t, fsys.Close(fd))
			require.NoError(t, fsys.Umount(ctx, "/sys"))

			require.NoError(t, fsys.Mount(ctx, dev, "/sys", vfs.FSTypeAuto, 0, nil))
			fd, err = fsys.Open(ctx, "/sys/test.txt", syscall.O_RDONLY, 0)
			require.NoError(t, err)
			buf := make([]byte, 64)
			n, err = fsys.Read(fd, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello flash", string(buf[:n]))

			var st vfs.Stat
			require.NoError(t, fsys.Fstat(fd, &st))
			assert.True(t, st.IsRegular())
			assert.Equal(t, int64(11), st.Size)
			require.NoError(t, fsys.Close(fd))

			mounts := fsys.Mounts()
			require.Len(t, mounts, 1)
			assert.Equal(t, "littlefs", mounts[0].FSType)
			assert.Equal(t, dev, mounts[0].Device)
		})
	}
}

func TestDirectoriesAndModes(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t, ramdisk.New(512, 2048))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0", "littlefs"))
	require.NoError(t, fsys.Mount(ctx, "emmc0", "/user", "littlefs", 0, nil))

	require.NoError(t, fsys.Mkdir(ctx, "/user/logs", 0o700))
	var st vfs.Stat
	require.NoError(t, fsys.Stat(ctx, "/user/logs", &st))
	assert.True(t, st.IsDir())
	assert.Equal(t, uint32(0o700), st.Mode&vfs.ModePerm)

	for _, name := range []string{"b.log", "a.log"} {
		fd, err := fsys.Open(ctx, "/user/logs/"+name, syscall.O_CREAT|syscall.O_WRONLY, 0o600)
		require.NoError(t, err)
		require.NoError(t, fsys.Close(fd))
	}
	require.NoError(t, fsys.Stat(ctx, "/user/logs/a.log", &st))
	assert.Equal(t, uint32(0o600), st.Mode&vfs.ModePerm)

	d, err := fsys.DirOpen(ctx, "/user/logs")
	require.NoError(t, err)
	var names []string
	for {
		name, err := fsys.DirNext(d, &st)
		if err != nil {
			require.ErrorIs(t, err, syscall.ENODATA)
			break
		}
		names = append(names, name)
	}
	assert.Equal(t, []string{"a.log", "b.log"}, names)
	require.NoError(t, fsys.DirClose(d))

	require.ErrorIs(t, fsys.Unlink(ctx, "/user/logs"), syscall.EISDIR)
	require.ErrorIs(t, fsys.Rmdir(ctx, "/user/logs"), syscall.ENOTEMPTY)
	require.ErrorIs(t, fsys.Rmdir(ctx, "/user/logs/a.log"), syscall.ENOTDIR)

	require.NoError(t, fsys.Rename(ctx, "/user/logs/a.log", "/user/a.log"))
	require.ErrorIs(t, fsys.Stat(ctx, "/user/logs/a.log", &st), syscall.ENOENT)

	var sfs vfs.StatFS
	require.NoError(t, fsys.StatVFS(ctx, "/user", &sfs))
	assert.Equal(t, uint64(littlefs.DefaultBlockSize), sfs.BlockSize)
	assert.Greater(t, sfs.BlocksFree, uint64(0))
	assert.Less(t, sfs.BlocksFree, sfs.Blocks)
}

func TestSeekAndTruncate(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t, ramdisk.New(512, 2048))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0", "littlefs"))
	require.NoError(t, fsys.Mount(ctx, "emmc0", "/", "littlefs", 0, nil))

	fd, err := fsys.Open(ctx, "/data.bin", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(fd, []byte("0123456789"))
	require.NoError(t, err)

	pos, err := fsys.Seek(fd, -4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	buf := make([]byte, 4)
	n, err := fsys.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))

	require.NoError(t, fsys.Ftruncate(fd, 3))
	var st vfs.Stat
	require.NoError(t, fsys.Fstat(fd, &st))
	assert.Equal(t, int64(3), st.Size)

	_, err = fsys.Seek(fd, -1, io.SeekStart)
	require.ErrorIs(t, err, syscall.EINVAL)
	require.NoError(t, fsys.Close(fd))
}

func TestMountUnformatted(t *testing.T) {
	ctx := context.Background()
	fsys := newFS(t, ramdisk.New(512, 2048))
	err := fsys.Mount(ctx, "emmc0", "/user", "littlefs", 0, nil)
	require.Error(t, err)
	assert.Empty(t, fsys.Mounts())

	d, ok := fsys.Driver("littlefs")
	require.True(t, ok)
	assert.Equal(t, 0, d.MountCount())
}
