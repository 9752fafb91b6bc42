package phonefs

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// A collector receives both filesystem core events and notifier
// deliveries, so one value can be passed to every component.
type MetricsCollector interface {
	// RecordMount is called after each mount attempt.
	RecordMount(fstype string, duration time.Duration, err error)

	// RecordOpen is called after each open.
	RecordOpen(duration time.Duration, err error)

	// RecordRead is called after each read with the number of bytes read.
	RecordRead(n int, duration time.Duration, err error)

	// RecordWrite is called after each write with the number of bytes written.
	RecordWrite(n int, duration time.Duration, err error)

	// RecordNotify is called after a change event was dispatched.
	// delivered counts messages accepted by the bus, dropped those that
	// were not.
	RecordNotify(delivered, dropped int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordMount(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordOpen(time.Duration, error)          {}
func (NoopMetricsCollector) RecordRead(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordWrite(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordNotify(int, int)                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	MountCount      atomic.Int64
	MountErrors     atomic.Int64
	OpenCount       atomic.Int64
	OpenErrors      atomic.Int64
	OpenTotalNanos  atomic.Int64
	ReadCount       atomic.Int64
	ReadErrors      atomic.Int64
	ReadBytes       atomic.Int64
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteBytes      atomic.Int64
	NotifyDelivered atomic.Int64
	NotifyDropped   atomic.Int64

	mu     sync.Mutex
	fstype map[string]int64
}

// RecordMount implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMount(fstype string, _ time.Duration, err error) {
	b.MountCount.Add(1)
	if err != nil {
		b.MountErrors.Add(1)
		return
	}
	b.mu.Lock()
	if b.fstype == nil {
		b.fstype = make(map[string]int64)
	}
	b.fstype[fstype]++
	b.mu.Unlock()
}

// RecordOpen implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOpen(duration time.Duration, err error) {
	b.OpenCount.Add(1)
	b.OpenTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.OpenErrors.Add(1)
	}
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(n int, _ time.Duration, err error) {
	b.ReadCount.Add(1)
	if err != nil {
		b.ReadErrors.Add(1)
		return
	}
	b.ReadBytes.Add(int64(n))
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(n int, _ time.Duration, err error) {
	b.WriteCount.Add(1)
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteBytes.Add(int64(n))
}

// RecordNotify implements MetricsCollector.
func (b *BasicMetricsCollector) RecordNotify(delivered, dropped int) {
	b.NotifyDelivered.Add(int64(delivered))
	b.NotifyDropped.Add(int64(dropped))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		MountCount:      b.MountCount.Load(),
		MountErrors:     b.MountErrors.Load(),
		OpenCount:       b.OpenCount.Load(),
		OpenErrors:      b.OpenErrors.Load(),
		OpenAvgNanos:    b.getAvgOpenNanos(),
		ReadCount:       b.ReadCount.Load(),
		ReadErrors:      b.ReadErrors.Load(),
		ReadBytes:       b.ReadBytes.Load(),
		WriteCount:      b.WriteCount.Load(),
		WriteErrors:     b.WriteErrors.Load(),
		WriteBytes:      b.WriteBytes.Load(),
		NotifyDelivered: b.NotifyDelivered.Load(),
		NotifyDropped:   b.NotifyDropped.Load(),
		MountsByFSType:  make(map[string]int64),
	}
	b.mu.Lock()
	for k, v := range b.fstype {
		s.MountsByFSType[k] = v
	}
	b.mu.Unlock()
	return s
}

func (b *BasicMetricsCollector) getAvgOpenNanos() int64 {
	count := b.OpenCount.Load()
	if count == 0 {
		return 0
	}
	return b.OpenTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	MountCount      int64
	MountErrors     int64
	OpenCount       int64
	OpenErrors      int64
	OpenAvgNanos    int64
	ReadCount       int64
	ReadErrors      int64
	ReadBytes       int64
	WriteCount      int64
	WriteErrors     int64
	WriteBytes      int64
	NotifyDelivered int64
	NotifyDropped   int64
	MountsByFSType  map[string]int64
}
