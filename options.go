package phonefs

import (
	"log/slog"
	"time"

	"github.com/hupe1980/phonefs/blkdev/emmc"
	"github.com/hupe1980/phonefs/notify"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	bus              notify.Bus
	warnInterval     time.Duration
	controllers      map[string]emmc.Controller
}

// Option configures a Subsystem.
type Option func(*options)

// WithLogger configures structured logging for all components.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := phonefs.NewJSONLogger(slog.LevelInfo)
//	sub := phonefs.New(phonefs.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
//	metrics := &phonefs.BasicMetricsCollector{}
//	sub := phonefs.New(phonefs.WithMetricsCollector(metrics))
//	// ... use sub ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithBus routes change notifications to bus instead of an in-process
// notify.ChannelBus.
func WithBus(bus notify.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

// WithWarnInterval limits how often the notifier warns about stale
// subscribers.
func WithWarnInterval(d time.Duration) Option {
	return func(o *options) {
		o.warnInterval = d
	}
}

// WithController drives the eMMC disk configured as name through ctrl.
// eMMC disks without a controller run on an in-memory card.
func WithController(name string, ctrl emmc.Controller) Option {
	return func(o *options) {
		o.controllers[name] = ctrl
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		warnInterval:     10 * time.Second,
		controllers:      make(map[string]emmc.Controller),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.bus == nil {
		o.bus = notify.NewChannelBus()
	}
	return o
}
