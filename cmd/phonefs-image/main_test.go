package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/phonefs/blkdev/imagedisk"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"4K", 4 << 10},
		{"16M", 16 << 20},
		{"1G", 1 << 30},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"", "M", "-1", "1T"} {
		_, err := parseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestLayout(t *testing.T) {
	var parts partFlag
	require.NoError(t, parts.Set("ext4:2M"))
	require.NoError(t, parts.Set("vfat"))
	assert.Error(t, parts.Set("ntfs:1M"))
	assert.Equal(t, "ext4:2097152,vfat:0", parts.String())

	table, err := layout(parts, 8<<20, 512)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, uint8(0x83), table[0].Type)
	assert.Equal(t, uint64(2048), table[0].StartSector)
	assert.Equal(t, uint64(4096), table[0].NumSectors)
	assert.Equal(t, uint64(6144), table[1].StartSector)
	assert.Equal(t, uint64(16384-6144), table[1].NumSectors)

	_, err = layout(partFlag{{fstype: "vfat"}, {fstype: "ext4", size: 1 << 20}}, 8<<20, 512)
	assert.Error(t, err)
	_, err = layout(partFlag{{fstype: "ext4", size: 16 << 20}}, 8<<20, 512)
	assert.Error(t, err)
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	img := filepath.Join(t.TempDir(), "phone.img")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{
		"create", "-size", "8M", "-hwparts", "2", "-syssize", "1M", "-sysfs", "littlefs",
		"-part", "ext4:2M", "-part", "vfat:0", img,
	}, &out))
	assert.Equal(t, "emmc0part0: ext4\nemmc0part1: vfat\nemmc0sys1: littlefs\n", out.String())

	info, err := os.Stat(imagedisk.PartitionPath(img, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), info.Size())

	out.Reset()
	require.NoError(t, run(ctx, []string{"mkfs", "-device", "emmc0sys1", "-fstype", "txfs", img}, &out))
	assert.Equal(t, "emmc0sys1: txfs\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, []string{"list", img}, &out))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Contains(t, string(lines[0]), "DEVICE")
	assert.Regexp(t, `^emmc0part0\s+0x83\s+2048\s+4096\s+ext4$`, string(lines[1]))
	assert.Regexp(t, `^emmc0part1\s+0x0c\s+6144\s+10240\s+vfat$`, string(lines[2]))
	assert.Regexp(t, `^emmc0sys1\s+-\s+0\s+2048\s+txfs$`, string(lines[3]))
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	assert.ErrorIs(t, run(ctx, nil, &out), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"format"}, &out), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"list"}, &out), errUsage)
	assert.Error(t, run(ctx, []string{"list", filepath.Join(t.TempDir(), "none.img")}, &out))
}
