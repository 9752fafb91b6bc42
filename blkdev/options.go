package blkdev

import (
	"io"
	"log/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type options struct {
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the logger used for registration and scan events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
