package phonefs

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with phonefs-specific context.
// Field names are shared by every component so logs can be filtered by
// disk, device or mount path.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown names yield slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Component returns a logger tagged with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithDisk adds a disk field to the logger.
func (l *Logger) WithDisk(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("disk", name),
	}
}

// WithPath adds a path field to the logger.
func (l *Logger) WithPath(p string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", p),
	}
}

// LogDiskRegistered logs the registration of a disk.
func (l *Logger) LogDiskRegistered(ctx context.Context, name, kind string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "disk registration failed",
			"disk", name,
			"kind", kind,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "disk registered",
			"disk", name,
			"kind", kind,
		)
	}
}

// LogMount logs a mount operation.
func (l *Logger) LogMount(ctx context.Context, device, path, fstype string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "mount failed",
			"device", device,
			"path", path,
			"fstype", fstype,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "mount completed",
			"device", device,
			"path", path,
			"fstype", fstype,
		)
	}
}

// LogUmount logs an unmount operation.
func (l *Logger) LogUmount(ctx context.Context, path string, err error) {
	if err != nil {
		l.WarnContext(ctx, "umount failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "umount completed",
			"path", path,
		)
	}
}

// LogLayout logs the preparation of the canonical directory tree.
func (l *Logger) LogLayout(ctx context.Context, created, skipped int) {
	if skipped > 0 {
		l.WarnContext(ctx, "directory layout incomplete",
			"created", created,
			"skipped", skipped,
		)
	} else {
		l.InfoContext(ctx, "directory layout ready",
			"created", created,
		)
	}
}
