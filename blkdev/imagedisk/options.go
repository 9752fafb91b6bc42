package imagedisk

import (
	"io"
	"log/slog"

	"github.com/hupe1980/phonefs/internal/fs"
	"github.com/hupe1980/phonefs/internal/resource"
)

const (
	// DefaultSectorSize is the sector size of eMMC user areas.
	DefaultSectorSize = 512
	// DefaultSysPartitionSize is the size of each additional hardware partition file.
	DefaultSysPartitionSize = 32 << 20
)

type options struct {
	sectorSize       int64
	hwPartitions     int
	sysPartitionSize int64
	fsys             fs.FileSystem
	rc               *resource.Controller
	logger           *slog.Logger
}

func defaultOptions() options {
	return options{
		sectorSize:       DefaultSectorSize,
		hwPartitions:     1,
		sysPartitionSize: DefaultSysPartitionSize,
		fsys:             fs.Default,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures an image disk.
type Option func(*options)

// WithSectorSize sets the sector size. EEPROM emulation uses small sectors.
func WithSectorSize(n int64) Option {
	return func(o *options) { o.sectorSize = n }
}

// WithHWPartitions sets the number of hardware partitions (at least 1).
func WithHWPartitions(n int) Option {
	return func(o *options) { o.hwPartitions = max(n, 1) }
}

// WithSysPartitionSize sets the size of hardware partitions 1..N-1.
func WithSysPartitionSize(n int64) Option {
	return func(o *options) { o.sysPartitionSize = n }
}

// WithFileSystem replaces the host file system, e.g. with a fault injector.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithBandwidth paces transfers to the given throughput.
func WithBandwidth(bytesPerSec int64) Option {
	return func(o *options) {
		o.rc = resource.NewController(resource.Config{IOLimitBytesPerSec: bytesPerSec})
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
