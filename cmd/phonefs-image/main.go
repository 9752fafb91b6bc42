// Command phonefs-image creates and inspects disk images for host testing.
//
//	phonefs-image create -size 64M -hwparts 2 -syssize 1M -sysfs littlefs -part ext4:16M -part vfat:0 phone.img
//	phonefs-image mkfs -device emmc0sys1 -fstype txfs phone.img
//	phonefs-image list phone.img
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/hupe1980/phonefs"
	"github.com/hupe1980/phonefs/blkdev"
	"github.com/hupe1980/phonefs/blkdev/imagedisk"
	"github.com/hupe1980/phonefs/vfs"
)

const (
	diskName = "emmc0"
	// firstSector aligns the first partition to 1 MiB with 512 byte sectors.
	firstSector = 2048
)

var errUsage = errors.New("usage: phonefs-image create|mkfs|list [flags] image")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "phonefs-image:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "create":
		return create(ctx, args[1:], out)
	case "mkfs":
		return mkfs(ctx, args[1:], out)
	case "list":
		return list(ctx, args[1:], out)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

// partSpec is one "fstype:size" partition request. Size 0 takes the rest
// of the disk.
type partSpec struct {
	fstype string
	size   int64
}

type partFlag []partSpec

func (p *partFlag) String() string {
	s := make([]string, len(*p))
	for i, ps := range *p {
		s[i] = ps.fstype + ":" + strconv.FormatInt(ps.size, 10)
	}
	return strings.Join(s, ",")
}

func (p *partFlag) Set(v string) error {
	fstype, size, ok := strings.Cut(v, ":")
	if !ok {
		size = "0"
	}
	if _, ok := vfs.PartitionTypeOf(fstype); !ok {
		return fmt.Errorf("no partition type for %q", fstype)
	}
	n, err := parseSize(size)
	if err != nil {
		return err
	}
	*p = append(*p, partSpec{fstype: fstype, size: n})
	return nil
}

// parseSize accepts a byte count with an optional K, M or G suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

type sizeFlag int64

func (s *sizeFlag) String() string { return strconv.FormatInt(int64(*s), 10) }

func (s *sizeFlag) Set(v string) error {
	n, err := parseSize(v)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}

// imageFlags are shared by every command that opens an image.
type imageFlags struct {
	sector  int64
	verbose bool
}

func (f *imageFlags) register(fs *flag.FlagSet) {
	fs.Int64Var(&f.sector, "sector", imagedisk.DefaultSectorSize, "sector size in bytes")
	fs.BoolVar(&f.verbose, "v", false, "log to stderr")
}

func (f *imageFlags) logger() *phonefs.Logger {
	if f.verbose {
		return phonefs.NewTextLogger(slog.LevelDebug)
	}
	return phonefs.NoopLogger()
}

// countHWParts counts the backing files present for image.
func countHWParts(image string) int {
	n := 0
	for {
		if _, err := os.Stat(imagedisk.PartitionPath(image, n)); err != nil {
			return n
		}
		n++
	}
}

// open registers image as diskName in a fresh subsystem.
func open(ctx context.Context, image string, f imageFlags, sysSize int64) (*phonefs.Subsystem, error) {
	hw := countHWParts(image)
	if hw == 0 {
		return nil, fmt.Errorf("%s: no such image", image)
	}
	if hw > 1 && sysSize == 0 {
		info, err := os.Stat(imagedisk.PartitionPath(image, 1))
		if err != nil {
			return nil, err
		}
		sysSize = info.Size()
	}
	s := phonefs.New(phonefs.WithLogger(f.logger()))
	err := s.Init(ctx, phonefs.Config{
		Disks: []phonefs.DiskConfig{{
			Name:             diskName,
			Kind:             phonefs.DiskImage,
			Image:            image,
			SectorSize:       f.sector,
			HWPartitions:     hw,
			SysPartitionSize: sysSize,
		}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func create(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	var (
		f       imageFlags
		size    sizeFlag = 64 << 20
		sysSize sizeFlag = 1 << 20
		hwParts = fs.Int("hwparts", 1, "number of hardware partitions")
		sysFS   = fs.String("sysfs", "", "format hardware partitions 1..N-1 with this driver")
		parts   partFlag
	)
	f.register(fs)
	fs.Var(&size, "size", "size of the user area (K, M, G suffixes)")
	fs.Var(&sysSize, "syssize", "size of each additional hardware partition")
	fs.Var(&parts, "part", "partition as fstype:size, repeatable; size 0 takes the rest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	image := fs.Arg(0)

	if err := imagedisk.Create(image, int64(size),
		imagedisk.WithSectorSize(f.sector),
		imagedisk.WithHWPartitions(*hwParts),
		imagedisk.WithSysPartitionSize(int64(sysSize)),
	); err != nil {
		return err
	}
	s, err := open(ctx, image, f, int64(sysSize))
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if len(parts) > 0 {
		table, err := layout(parts, int64(size), f.sector)
		if err != nil {
			return err
		}
		h, err := s.Disks().DeviceHandle(diskName)
		if err != nil {
			return err
		}
		d, _ := h.Disk()
		if err := blkdev.WriteMBR(d, table); err != nil {
			return err
		}
		if err := s.Disks().ReparsePartitions(diskName); err != nil {
			return err
		}
		for i, ps := range parts {
			dev := fmt.Sprintf("%spart%d", diskName, i)
			if err := s.FS().Mkfs(ctx, dev, ps.fstype); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", dev, ps.fstype)
		}
	}
	if *sysFS != "" {
		for hw := 1; hw < *hwParts; hw++ {
			dev := fmt.Sprintf("%ssys%d", diskName, hw)
			if err := s.FS().Mkfs(ctx, dev, *sysFS); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", dev, *sysFS)
		}
	}
	return s.Close(ctx)
}

// layout places the requested partitions back to back from firstSector.
func layout(parts partFlag, size, sector int64) ([]blkdev.Partition, error) {
	total := uint64(size / sector)
	next := uint64(firstSector)
	table := make([]blkdev.Partition, 0, len(parts))
	for i, ps := range parts {
		if next >= total {
			return nil, fmt.Errorf("partition %d: disk full", i)
		}
		n := uint64(ps.size / sector)
		if n == 0 {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("partition %d: only the last partition may take the rest", i)
			}
			n = total - next
		}
		if next+n > total {
			return nil, fmt.Errorf("partition %d: %d sectors past the end of the disk", i, next+n-total)
		}
		ptype, _ := vfs.PartitionTypeOf(ps.fstype)
		table = append(table, blkdev.Partition{Type: ptype, StartSector: next, NumSectors: n})
		next += n
	}
	return table, nil
}

func mkfs(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mkfs", flag.ContinueOnError)
	var f imageFlags
	f.register(fs)
	dev := fs.String("device", diskName+"part0", "device to format")
	fstype := fs.String("fstype", "littlefs", "driver")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	s, err := open(ctx, fs.Arg(0), f, 0)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	if err := s.FS().Mkfs(ctx, *dev, *fstype); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", *dev, *fstype)
	return s.Close(ctx)
}

func list(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var f imageFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	image := fs.Arg(0)
	s, err := open(ctx, image, f, 0)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tTYPE\tSTART\tSECTORS\tFSTYPE")
	parts, err := s.Disks().Partitions(diskName)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Fprintf(tw, "%s\t0x%02x\t%d\t%d\t%s\n", p.Name, p.Type, p.StartSector, p.NumSectors, detect(s, p.Name))
	}
	for hw := 1; hw < countHWParts(image); hw++ {
		dev := fmt.Sprintf("%ssys%d", diskName, hw)
		h, err := s.Disks().DeviceHandle(dev)
		if err != nil {
			return err
		}
		n, err := h.Sectors()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t-\t0\t%d\t%s\n", dev, n, detect(s, dev))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return s.Close(ctx)
}

func detect(s *phonefs.Subsystem, dev string) string {
	h, err := s.Disks().DeviceHandle(dev)
	if err != nil {
		return "-"
	}
	name, err := vfs.Detect(h)
	if err != nil {
		return "-"
	}
	return name
}
