package nodetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_CreateLookupRemove(t *testing.T) {
	tr := New()

	_, err := tr.Create("/user", KindDir, 0o755)
	require.NoError(t, err)
	f, err := tr.Create("/user/a.txt", KindFile, 0o644)
	require.NoError(t, err)
	assert.Equal(t, "/user/a.txt", f.Path())
	assert.Equal(t, 2, tr.Len())

	_, err = tr.Create("/user/a.txt", KindFile, 0o644)
	assert.ErrorIs(t, err, ErrExist)
	_, err = tr.Create("/missing/b", KindFile, 0o644)
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = tr.Create("/user/a.txt/c", KindFile, 0o644)
	assert.ErrorIs(t, err, ErrNotDir)
	_, err = tr.Create("relative", KindFile, 0)
	assert.ErrorIs(t, err, ErrInvalid)

	n, err := tr.Lookup("/user/./a.txt")
	require.NoError(t, err)
	assert.Same(t, f, n)

	_, err = tr.Remove("/user")
	assert.ErrorIs(t, err, ErrNotEmpty)
	_, err = tr.Remove("/user/a.txt")
	require.NoError(t, err)
	assert.True(t, f.Detached())
	_, err = tr.Remove("/user")
	require.NoError(t, err)
	assert.Zero(t, tr.Len())
	_, err = tr.Remove("/")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTree_Rename(t *testing.T) {
	tr := New()
	_, _ = tr.Create("/a", KindDir, 0o755)
	_, _ = tr.Create("/b", KindDir, 0o755)
	f, _ := tr.Create("/a/f", KindFile, 0o644)
	g, _ := tr.Create("/b/g", KindFile, 0o644)

	replaced, err := tr.Rename("/a/f", "/b/g")
	require.NoError(t, err)
	assert.Same(t, g, replaced)
	assert.Equal(t, "/b/g", f.Path())
	assert.Equal(t, 3, tr.Len())

	_, err = tr.Rename("/b", "/b/g/x")
	assert.ErrorIs(t, err, ErrNotDir)
	_, err = tr.Rename("/b", "/b/sub")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = tr.Rename("/a", "/b")
	assert.ErrorIs(t, err, ErrNotEmpty)
	_, err = tr.Rename("/b/g", "/a")
	assert.ErrorIs(t, err, ErrIsDir)
}

func TestNode_Data(t *testing.T) {
	tr := New()
	f, _ := tr.Create("/f", KindFile, 0o644)

	f.WriteAt([]byte("hello"), 0)
	f.Truncate(2)
	f.WriteAt([]byte("!"), 4)

	buf := make([]byte, 10)
	n := f.ReadAt(buf, 0)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{'h', 'e', 0, 0, '!'}, buf[:n])
	assert.Zero(t, f.ReadAt(buf, 5))
}

func TestTree_EncodeDecode(t *testing.T) {
	tr := New()
	_, _ = tr.Create("/sys", KindDir, 0o755)
	f, _ := tr.Create("/sys/test.txt", KindFile, 0o600)
	f.WriteAt([]byte("payload"), 0)
	f.Extents = []uint64{7, 9}

	out, err := Decode(tr.Encode())
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), out.Len())

	g, err := out.Lookup("/sys/test.txt")
	require.NoError(t, err)
	assert.Equal(t, f.Ino, g.Ino)
	assert.Equal(t, uint32(0o600), g.Mode)
	assert.Equal(t, "payload", string(g.Data))
	assert.Equal(t, []uint64{7, 9}, g.Extents)

	h, err := out.Create("/sys/new", KindFile, 0)
	require.NoError(t, err)
	assert.Greater(t, h.Ino, f.Ino)

	_, err = Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupt)
}
