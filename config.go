package phonefs

import (
	"github.com/hupe1980/phonefs/internal/config"
)

type (
	// Config describes the disks, the mount table and the directory layout.
	Config = config.Config
	// DiskConfig describes one disk of a Config.
	DiskConfig = config.Disk
	// MountConfig is one entry of the mount table.
	MountConfig = config.Mount
	// LayoutConfig names the roots of the canonical directory tree.
	LayoutConfig = config.Layout
)

// Disk kinds of DiskConfig.
const (
	DiskImage = config.KindImage
	DiskEMMC  = config.KindEMMC
)

// LoadConfig reads the configuration at path on top of the built-in
// defaults. An empty path yields the defaults. A non-empty jsonOverride is
// merged last.
func LoadConfig(path string, jsonOverride ...string) (Config, error) {
	m, err := config.NewManager()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := m.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	for _, doc := range jsonOverride {
		if doc == "" {
			continue
		}
		if err := m.LoadJSON([]byte(doc)); err != nil {
			return Config{}, err
		}
	}
	return m.Config()
}
