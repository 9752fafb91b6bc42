// Package config loads the subsystem configuration.
//
// Sources are layered with koanf: the embedded defaults first, then an
// optional file (format chosen by extension), then an optional JSON string.
// Later sources override earlier ones key by key; lists are replaced.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.default.yaml
var defaultConfig []byte

// Disk kinds.
const (
	KindImage = "image"
	KindEMMC  = "emmc"
)

// Config is the declarative description of the storage stack.
type Config struct {
	LogLevel     string  `key:"logLevel" json:"logLevel"`
	CreateLayout bool    `key:"createLayout" json:"createLayout"`
	Layout       Layout  `key:"layout" json:"layout"`
	Disks        []Disk  `key:"disks" json:"disks"`
	Mounts       []Mount `key:"mounts" json:"mounts"`
}

// Layout names the mount roots of the canonical directory tree.
type Layout struct {
	SystemDisk string `key:"systemDisk" json:"systemDisk"`
	UserDisk   string `key:"userDisk" json:"userDisk"`
	MfgConf    string `key:"mfgConf" json:"mfgConf"`
}

// Disk describes one block device.
//
// Image disks are backed by host files; Size creates the files when it is
// non-zero. eMMC disks run on an in-memory controller of Size bytes per
// user area.
type Disk struct {
	Name             string `key:"name" json:"name"`
	Kind             string `key:"kind" json:"kind"`
	Image            string `key:"image" json:"image"`
	Size             int64  `key:"size" json:"size"`
	SectorSize       int64  `key:"sectorSize" json:"sectorSize"`
	HWPartitions     int    `key:"hwPartitions" json:"hwPartitions"`
	SysPartitionSize int64  `key:"sysPartitionSize" json:"sysPartitionSize"`
	Bandwidth        int64  `key:"bandwidth" json:"bandwidth"`
	NoPartScan       bool   `key:"noPartScan" json:"noPartScan"`
}

// Mount is one entry of the mount table.
type Mount struct {
	Device string `key:"device" json:"device"`
	Path   string `key:"path" json:"path"`
	FSType string `key:"fstype" json:"fstype"`
	Flags  string `key:"flags" json:"flags"`
	Data   string `key:"data" json:"data"`
}

var (
	JSONFormat Format = ".json"
	YAMLFormat Format = ".yaml"
	YMLFormat  Format = ".yml"

	parsers = map[Format]func() koanf.Parser{
		JSONFormat: func() koanf.Parser { return json.Parser() },
		YAMLFormat: func() koanf.Parser { return yaml.Parser() },
		YMLFormat:  func() koanf.Parser { return yaml.Parser() },
	}
)

// Format selects a parser by file extension.
type Format string

// ErrFormat is returned for files whose extension has no parser.
var ErrFormat = errors.New("config: unsupported format")

// Manager holds the layered configuration.
type Manager struct {
	kf *koanf.Koanf
}

// NewManager returns a manager holding the embedded defaults.
func NewManager() (*Manager, error) {
	m := &Manager{kf: koanf.New(".")}
	if err := m.Load(YAMLFormat, rawbytes.Provider(defaultConfig)); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	return m, nil
}

// Load merges the data of provider, parsed as format.
func (m *Manager) Load(format Format, provider koanf.Provider) error {
	pf, ok := parsers[format]
	if !ok {
		return fmt.Errorf("%w: %q", ErrFormat, format)
	}
	return m.kf.Load(provider, pf())
}

// LoadFile merges a YAML or JSON file.
func (m *Manager) LoadFile(path string) error {
	if err := m.Load(Format(filepath.Ext(path)), file.Provider(path)); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// LoadJSON merges a JSON document.
func (m *Manager) LoadJSON(doc []byte) error {
	if err := m.Load(JSONFormat, rawbytes.Provider(doc)); err != nil {
		return fmt.Errorf("config: json override: %w", err)
	}
	return nil
}

// Print renders the merged key space.
func (m *Manager) Print() string {
	return m.kf.Sprint()
}

// Config decodes the merged configuration and fills per-entry defaults.
func (m *Manager) Config() (Config, error) {
	var c Config
	if err := m.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// SetDefaults fills the zero fields of disks and mounts.
func (c *Config) SetDefaults() {
	for i := range c.Disks {
		d := &c.Disks[i]
		if d.Kind == "" {
			d.Kind = KindImage
		}
		if d.SectorSize == 0 {
			d.SectorSize = 512
		}
		if d.HWPartitions == 0 {
			d.HWPartitions = 1
		}
	}
	for i := range c.Mounts {
		if c.Mounts[i].FSType == "" {
			c.Mounts[i].FSType = "auto"
		}
	}
}

// Validate checks the references between disks and mounts.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Disks))
	for _, d := range c.Disks {
		switch {
		case d.Name == "":
			return errors.New("config: disk without name")
		case names[d.Name]:
			return fmt.Errorf("config: duplicate disk %q", d.Name)
		case d.Kind != KindImage && d.Kind != KindEMMC:
			return fmt.Errorf("config: disk %q: unknown kind %q", d.Name, d.Kind)
		case d.Kind == KindImage && d.Image == "":
			return fmt.Errorf("config: disk %q: image path required", d.Name)
		case d.Kind == KindEMMC && d.Size <= 0:
			return fmt.Errorf("config: disk %q: size required", d.Name)
		case d.Kind == KindEMMC && d.HWPartitions > 1 && d.SysPartitionSize <= 0:
			return fmt.Errorf("config: disk %q: sysPartitionSize required", d.Name)
		case d.SectorSize <= 0 || d.Size%d.SectorSize != 0:
			return fmt.Errorf("config: disk %q: size %d not a multiple of sector size %d", d.Name, d.Size, d.SectorSize)
		}
		names[d.Name] = true
	}
	for _, mt := range c.Mounts {
		if mt.Path == "" || mt.Path[0] != '/' {
			return fmt.Errorf("config: mount %q: path must be absolute", mt.Path)
		}
		if mt.Device == "" {
			return fmt.Errorf("config: mount %q: device required", mt.Path)
		}
	}
	return nil
}
