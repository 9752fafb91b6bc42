package paths

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLayout(t *testing.T) {
	l := Default()
	assert.Equal(t, "/user/db", l.Databases())
	assert.Equal(t, "/user/logs", l.Logs())
	assert.Equal(t, "/user/crash_dumps", l.CrashDumps())
	assert.Equal(t, "/user/media", l.UserMedia())
	assert.Equal(t, "/user/tmp", l.Temporary())
	assert.Equal(t, "/sys/.boot.json", l.Boot())
	assert.Equal(t, "/sys/current/assets", l.Assets())
	assert.Equal(t, "/sys/data", l.SystemData())
	assert.Equal(t, "/sys/var", l.SystemVar())
}

func TestDirsParentsFirst(t *testing.T) {
	l := Layout{SystemDisk: "/os", UserDisk: "/home/", MfgConf: "/mfg"}
	seen := map[string]bool{"/os": true, "/home": true}
	for _, d := range l.Dirs() {
		parent := d[:strings.LastIndex(d, "/")]
		assert.True(t, seen[parent], "parent of %s listed later", d)
		seen[d] = true
	}
	assert.Equal(t, "/home/media", l.UserMedia())
}
