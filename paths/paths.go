// Package paths defines where the phone keeps its files.
//
// The three roots are mount targets; everything else lives below them.
package paths

import "path"

// Default roots.
const (
	SystemDisk = "/sys"
	UserDisk   = "/user"
	MfgConf    = "/mfgconf"
)

// BootDescriptor is the name of the boot descriptor on the system disk.
const BootDescriptor = ".boot.json"

// Layout resolves the canonical directories from the mount roots.
type Layout struct {
	SystemDisk string
	UserDisk   string
	MfgConf    string
}

// Default returns the layout of a production device.
func Default() Layout {
	return Layout{SystemDisk: SystemDisk, UserDisk: UserDisk, MfgConf: MfgConf}
}

func (l Layout) Databases() string  { return path.Join(l.UserDisk, "db") }
func (l Layout) Logs() string       { return path.Join(l.UserDisk, "logs") }
func (l Layout) CrashDumps() string { return path.Join(l.UserDisk, "crash_dumps") }
func (l Layout) UserMedia() string  { return path.Join(l.UserDisk, "media") }
func (l Layout) Temporary() string  { return path.Join(l.UserDisk, "tmp") }

// Boot returns the path of the boot descriptor.
func (l Layout) Boot() string { return path.Join(l.SystemDisk, BootDescriptor) }

// Assets returns the directory of the running OS image's assets.
func (l Layout) Assets() string { return path.Join(l.SystemDisk, "current", "assets") }

func (l Layout) SystemData() string { return path.Join(l.SystemDisk, "data") }
func (l Layout) SystemVar() string  { return path.Join(l.SystemDisk, "var") }

// Dirs lists the directories a fresh device needs, parents first.
func (l Layout) Dirs() []string {
	return []string{
		l.SystemData(),
		l.SystemVar(),
		path.Join(l.SystemDisk, "current"),
		l.Assets(),
		l.Databases(),
		l.Logs(),
		l.CrashDumps(),
		l.UserMedia(),
		l.Temporary(),
	}
}
