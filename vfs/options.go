package vfs

import (
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/phonefs/cwd"
	"github.com/hupe1980/phonefs/notify"
)

// ChangeNotifier receives the change events produced by VFS operations.
// *notify.Notifier implements it. TrackOpen and TrackClose are called while
// the descriptor table is locked and must not call back into the VFS.
type ChangeNotifier interface {
	Notify(path, oldPath string, ev notify.Event)
	TrackOpen(fd int, path string)
	TrackClose(fd int)
}

// Metrics receives per-operation measurements.
type Metrics interface {
	RecordMount(fstype string, duration time.Duration, err error)
	RecordOpen(duration time.Duration, err error)
	RecordRead(n int, duration time.Duration, err error)
	RecordWrite(n int, duration time.Duration, err error)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, notify.Event) {}
func (noopNotifier) TrackOpen(int, string)               {}
func (noopNotifier) TrackClose(int)                      {}

type noopMetrics struct{}

func (noopMetrics) RecordMount(string, time.Duration, error) {}
func (noopMetrics) RecordOpen(time.Duration, error)          {}
func (noopMetrics) RecordRead(int, time.Duration, error)     {}
func (noopMetrics) RecordWrite(int, time.Duration, error)    {}

type options struct {
	logger   *slog.Logger
	metrics  Metrics
	notifier ChangeNotifier
	cwd      *cwd.Table
}

// Option configures a Filesystem.
type Option func(*options)

// WithLogger sets the logger for mount and driver events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithNotifier routes change events to n.
func WithNotifier(n ChangeNotifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithCwd shares a working directory table with other components.
func WithCwd(t *cwd.Table) Option {
	return func(o *options) {
		if t != nil {
			o.cwd = t
		}
	}
}

func defaultOptions() options {
	return options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:  noopMetrics{},
		notifier: noopNotifier{},
		cwd:      cwd.New(),
	}
}
