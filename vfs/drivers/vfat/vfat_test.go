package vfat_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/ramdisk"
	"github.com/hupe1980/phonefs/vfs"
	"github.com/hupe1980/phonefs/vfs/drivers/vfat"
)

// setup returns a core with two formatted FAT32 partitions.
func setup(t *testing.T) *vfs.Filesystem {
	t.Helper()
	d := ramdisk.New(512, 20480)
	require.NoError(t, blkdev.WriteMBR(d, []blkdev.Partition{
		{Type: 0x0c, StartSector: 2048, NumSectors: 8192},
		{Type: 0x0c, StartSector: 10240, NumSectors: 8192},
	}))
	dm := blkdev.NewManager()
	require.NoError(t, dm.RegisterDevice(d, "emmc0", 0))
	fsys := vfs.New(dm)
	require.NoError(t, fsys.RegisterFilesystem("vfat", vfat.New()))
	ctx := context.Background()
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part0", "vfat"))
	require.NoError(t, fsys.Mkfs(ctx, "emmc0part1", "vfat"))
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
	buf := make([]byte, 300)
	for {
		n, err := fsys.Read(fd, buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func driveOf(t *testing.T, fsys *vfs.Filesystem, p string) *vfat.MountPoint {
	t.Helper()
	mp, err := fsys.MountPointOf(context.Background(), p)
	require.NoError(t, err)
	m, err := vfs.As[*vfat.MountPoint](mp)
	require.NoError(t, err)
	return m
}

func TestMountAndPersistence(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/user/media", vfs.FSTypeAuto, 0, nil))

	m := driveOf(t, fsys, "/user/media")
	assert.Equal(t, "0:", m.NativeRoot())
	assert.Equal(t, "EMMC0PART0", m.Label())

	data := bytes.Repeat([]byte("ringtone"), 200)
	writeFile(t, fsys, "/user/media/ring.mp3", data)
	require.NoError(t, fsys.Umount(ctx, "/user/media"))
	assert.Equal(t, "", m.NativeRoot())

	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/user/media", "vfat", 0, nil))
	assert.Equal(t, data, readFile(t, fsys, "/user/media/ring.mp3"))

	var st vfs.Stat
	require.NoError(t, fsys.Stat(ctx, "/user/media/RING.MP3", &st))
	assert.True(t, st.IsRegular())
	assert.Equal(t, uint32(0o644), st.Mode&vfs.ModePerm)
	assert.Equal(t, int64(len(data)), st.Size)

	var sfs vfs.StatFS
	require.NoError(t, fsys.StatVFS(ctx, "/user/media", &sfs))
	assert.Equal(t, uint64(512), sfs.BlockSize)
	assert.Equal(t, uint64(1), sfs.Files)
	assert.Less(t, sfs.BlocksFree, sfs.Blocks)
}

func TestDriveLetters(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/a", "vfat", 0, nil))
	require.NoError(t, fsys.Mount(ctx, "emmc0part1", "/b", "vfat", 0, nil))
	assert.Equal(t, "0:", driveOf(t, fsys, "/a").NativeRoot())
	assert.Equal(t, "1:", driveOf(t, fsys, "/b").NativeRoot())

	require.NoError(t, fsys.Umount(ctx, "/a"))
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/c", "vfat", 0, nil))
	assert.Equal(t, byte('0'), driveOf(t, fsys, "/c").Drive())
}

func TestDriveReadDuringUmount(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/a", "vfat", 0, nil))
	m := driveOf(t, fsys, "/a")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if r := m.NativeRoot(); r != "" && r != "0:" {
					t.Errorf("unexpected drive %q", r)
					return
				}
			}
		}
	}()
	require.NoError(t, fsys.Umount(ctx, "/a"))
	close(stop)
	wg.Wait()
	assert.Equal(t, byte(vfat.NoDrive), m.Drive())
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/media", "vfat", 0, nil))

	require.NoError(t, fsys.Mkdir(ctx, "/media/photos", 0o755))
	require.ErrorIs(t, fsys.Mkdir(ctx, "/media/photos", 0o755), syscall.EEXIST)
	require.ErrorIs(t, fsys.Mkdir(ctx, "/media/a/b", 0o755), syscall.ENOENT)
	writeFile(t, fsys, "/media/photos/img1.jpg", []byte("jpeg1"))
	writeFile(t, fsys, "/media/photos/img2.jpg", []byte("jpeg2"))

	d, err := fsys.DirOpen(ctx, "/media/photos")
	require.NoError(t, err)
	var names []string
	var st vfs.Stat
	for {
		name, err := fsys.DirNext(d, &st)
		if err != nil {
			require.ErrorIs(t, err, syscall.ENODATA)
			break
		}
		assert.True(t, st.IsRegular())
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"img1.jpg", "img2.jpg"}, names)
	require.NoError(t, fsys.DirClose(d))

	_, err = fsys.Open(ctx, "/media/photos", syscall.O_RDONLY, 0)
	require.ErrorIs(t, err, syscall.EISDIR)
	_, err = fsys.Open(ctx, "/media/photos/img1.jpg", syscall.O_CREAT|syscall.O_EXCL|syscall.O_RDWR, 0o644)
	require.ErrorIs(t, err, syscall.EEXIST)
	_, err = fsys.Open(ctx, "/media/none/x.jpg", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.ErrorIs(t, err, syscall.ENOENT)

	require.ErrorIs(t, fsys.Unlink(ctx, "/media/photos"), syscall.EISDIR)
	require.ErrorIs(t, fsys.Rmdir(ctx, "/media/photos"), syscall.ENOTEMPTY)
	require.ErrorIs(t, fsys.Rmdir(ctx, "/media/photos/img1.jpg"), syscall.ENOTDIR)

	require.NoError(t, fsys.Rename(ctx, "/media/photos/img1.jpg", "/media/photos/first.jpg"))
	require.NoError(t, fsys.Rename(ctx, "/media/photos/img2.jpg", "/media/second.jpg"))
	assert.Equal(t, []byte("jpeg1"), readFile(t, fsys, "/media/photos/first.jpg"))
	assert.Equal(t, []byte("jpeg2"), readFile(t, fsys, "/media/second.jpg"))
	require.ErrorIs(t, fsys.Stat(ctx, "/media/photos/img2.jpg", &st), syscall.ENOENT)

	require.NoError(t, fsys.Unlink(ctx, "/media/photos/first.jpg"))
	require.NoError(t, fsys.Rmdir(ctx, "/media/photos"))
	require.ErrorIs(t, fsys.Stat(ctx, "/media/photos", &st), syscall.ENOENT)
}

func TestSeekTruncateAppend(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/media", "vfat", 0, nil))

	fd, err := fsys.Open(ctx, "/media/log.txt", syscall.O_CREAT|syscall.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = fsys.Write(fd, []byte("0123456789"))
	require.NoError(t, err)

	pos, err := fsys.Seek(fd, 6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	buf := make([]byte, 64)
	n, err := fsys.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))
	n, err = fsys.Read(fd, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, fsys.Ftruncate(fd, 4))
	var st vfs.Stat
	require.NoError(t, fsys.Fstat(fd, &st))
	assert.Equal(t, int64(4), st.Size)
	require.NoError(t, fsys.Ftruncate(fd, 6))
	require.NoError(t, fsys.Close(fd))
	assert.Equal(t, []byte("0123\x00\x00"), readFile(t, fsys, "/media/log.txt"))

	fd, err = fsys.Open(ctx, "/media/log.txt", syscall.O_WRONLY|syscall.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fsys.Write(fd, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))
	assert.Equal(t, []byte("0123\x00\x00ab"), readFile(t, fsys, "/media/log.txt"))
}

func TestReadOnlyAttribute(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/media", "vfat", 0, nil))
	writeFile(t, fsys, "/media/fw.bin", []byte("fw"))

	require.NoError(t, fsys.Chmod(ctx, "/media/fw.bin", 0o444))
	var st vfs.Stat
	require.NoError(t, fsys.Stat(ctx, "/media/fw.bin", &st))
	assert.Equal(t, uint32(0o444), st.Mode&vfs.ModePerm)
	_, err := fsys.Open(ctx, "/media/fw.bin", syscall.O_WRONLY, 0)
	require.ErrorIs(t, err, syscall.EACCES)

	require.NoError(t, fsys.Chmod(ctx, "/media/fw.bin", 0o644))
	fd, err := fsys.Open(ctx, "/media/fw.bin", syscall.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))
}

func TestReadOnlyMountRemount(t *testing.T) {
	ctx := context.Background()
	fsys := setup(t)
	require.NoError(t, fsys.Mount(ctx, "emmc0part0", "/media", "vfat", vfs.FlagReadOnly, nil))
	_, err := fsys.Open(ctx, "/media/x", syscall.O_CREAT|syscall.O_WRONLY, 0o644)
	require.ErrorIs(t, err, syscall.EACCES)

	require.NoError(t, fsys.Mount(ctx, "", "/media", "", vfs.FlagRemount, nil))
	writeFile(t, fsys, "/media/x", []byte("x"))
	assert.Equal(t, []byte("x"), readFile(t, fsys, "/media/x"))
}
