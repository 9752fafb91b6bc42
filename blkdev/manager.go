package blkdev

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
)

const (
	partSuffix = "part"
	sysSuffix  = "sys"
)

// Manager is the registry of block devices.
//
// Disks are addressed by the name given at registration ("emmc0"), by
// partition-table entry ("emmc0part0") or by hardware partition
// ("emmc0sys1"). The manager owns registered disks: it probes them on
// registration and cleans them up when they are unregistered.
type Manager struct {
	mu     sync.RWMutex
	disks  map[string]*registration
	logger *slog.Logger
}

// NewManager creates an empty disk manager.
func NewManager(optFns ...Option) *Manager {
	o := options{logger: discardLogger}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Manager{
		disks:  make(map[string]*registration),
		logger: o.logger,
	}
}

// RegisterDevice probes d and makes it addressable as name.
// Unless FlagNoPartsScan is set the partition table is scanned; a disk
// without a valid table registers with no partitions.
func (m *Manager) RegisterDevice(d Disk, name string, flags Flags) error {
	if d == nil || name == "" || strings.ContainsAny(name, "/ ") {
		return ErrInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disks[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrExist)
	}
	if err := d.Probe(flags); err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}

	reg := &registration{name: name, disk: d, flags: flags}
	reg.alive.Store(true)
	if flags&FlagNoPartsScan == 0 {
		if err := m.scan(reg); err != nil {
			_ = d.Cleanup()
			return err
		}
	}
	m.disks[name] = reg
	m.logger.Info("disk registered", "disk", name, "partitions", len(reg.parts))
	return nil
}

// scan refreshes the partition list of reg. Missing or broken tables are
// not fatal; read errors are.
func (m *Manager) scan(reg *registration) error {
	parts, err := ScanPartitions(reg.disk, m.logger.With("disk", reg.name))
	switch {
	case errors.Is(err, ErrNoPartitionTable):
		m.logger.Debug("no partition table", "disk", reg.name)
		parts, err = nil, nil
	case errors.Is(err, ErrEBRLoop):
		m.logger.Warn("partition chain truncated", "disk", reg.name, "partitions", len(parts))
		err = nil
	}
	if err != nil {
		return fmt.Errorf("scan %s: %w", reg.name, err)
	}
	for i := range parts {
		parts[i].Name = reg.name + partSuffix + strconv.Itoa(parts[i].Index)
	}
	reg.mu.Lock()
	reg.parts = parts
	reg.mu.Unlock()
	return nil
}

// UnregisterDevice removes name and cleans the disk up. Handles resolved
// earlier expire.
func (m *Manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	reg, ok := m.disks[name]
	if ok {
		delete(m.disks, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	reg.alive.Store(false)
	m.logger.Info("disk unregistered", "disk", name)
	if err := reg.disk.Cleanup(); err != nil {
		return fmt.Errorf("cleanup %s: %w", name, err)
	}
	return nil
}

// Devices returns the registered disk names in sorted order.
func (m *Manager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.disks))
	for n := range m.disks {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// splitName separates "<disk><suffix><N>" into its parts.
func splitName(name, suffix string) (string, int, bool) {
	i := strings.LastIndex(name, suffix)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+len(suffix):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return name[:i], n, true
}

// DeviceHandle resolves name to a new handle.
func (m *Manager) DeviceHandle(name string) (*DiskHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if reg, ok := m.disks[name]; ok {
		return newHandle(reg, name, NoHWPart, nil), nil
	}
	if base, idx, ok := splitName(name, partSuffix); ok {
		if reg, ok := m.disks[base]; ok {
			parts := reg.partitions()
			if idx < len(parts) {
				p := parts[idx]
				return newHandle(reg, name, NoHWPart, &p), nil
			}
		}
	}
	if base, idx, ok := splitName(name, sysSuffix); ok {
		if reg, ok := m.disks[base]; ok {
			if _, err := reg.disk.Info(InfoSectorCount, HWPart(idx)); err == nil {
				return newHandle(reg, name, HWPart(idx), nil), nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoDevice)
}

func (m *Manager) lookup(name string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.disks[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return reg, nil
}

// Partitions returns the partition table entries of a disk.
func (m *Manager) Partitions(name string) ([]Partition, error) {
	reg, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.partitions(), nil
}

// ReparsePartitions rescans the partition table, e.g. after it was rewritten.
// Handles resolved before keep their old geometry.
func (m *Manager) ReparsePartitions(name string) error {
	reg, err := m.lookup(name)
	if err != nil {
		return err
	}
	return m.scan(reg)
}

// Read reads count sectors at lba from the named device.
func (m *Manager) Read(name string, buf []byte, lba, count uint64) error {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return err
	}
	return h.Read(buf, lba, count)
}

// Write writes count sectors at lba to the named device.
func (m *Manager) Write(name string, buf []byte, lba, count uint64) error {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return err
	}
	return h.Write(buf, lba, count)
}

func (m *Manager) Erase(name string, lba, count uint64) error {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return err
	}
	return h.Erase(lba, count)
}

func (m *Manager) Sync(name string) error {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return err
	}
	return h.Sync()
}

func (m *Manager) Status(name string) (MediaStatus, error) {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return MediaUnknown, err
	}
	return h.Status(), nil
}

func (m *Manager) Info(name string, what InfoType) (int64, error) {
	h, err := m.DeviceHandle(name)
	if err != nil {
		return 0, err
	}
	return h.Info(what)
}

// PMControl changes the power state of a registered disk.
func (m *Manager) PMControl(name string, target PMState) error {
	reg, err := m.lookup(name)
	if err != nil {
		return err
	}
	return reg.disk.PMControl(target)
}

// PMRead returns the power state of a registered disk.
func (m *Manager) PMRead(name string) (PMState, error) {
	reg, err := m.lookup(name)
	if err != nil {
		return PMActive, err
	}
	return reg.disk.PMRead()
}
