package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanClientDir_Basic(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/d/sub", 0755))
	require.NoError(t, afero.WriteFile(fsys, "/d/file0", []byte("a\n"), 0644))
	require.NoError(t, afero.WriteFile(fsys, "/d/sub/file9", []byte("nested"), 0644))

	snap, err := ScanClientDir(fsys, "/d", nil)
	require.NoError(t, err)

	// Subdirectories are not part of a client's flat namespace.
	assert.Equal(t, []string{"file0"}, snap.Names())
	assert.Equal(t, int64(2), snap["file0"].Size)
	assert.Len(t, snap["file0"].Digest, 64)
}

func TestScanClientDir_MissingDir(t *testing.T) {
	snap, err := ScanClientDir(afero.NewMemMapFs(), "/nope", nil)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestScanClientDir_OsFs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.txt"), []byte("y"), 0644))

	snap, err := ScanClientDir(afero.NewOsFs(), dir, NewIgnoreList("index.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"file1"}, snap.Names())
}

func TestSnapshot_NamesNaturalOrder(t *testing.T) {
	s := Snapshot{"file10": {}, "file2": {}, "file1": {}, "file0": {}}
	assert.Equal(t, []string{"file0", "file1", "file2", "file10"}, s.Names())
}

func TestSnapshot_Diff(t *testing.T) {
	before := Snapshot{
		"file0": {Size: 1, Digest: DigestString("a")},
		"file1": {Size: 1, Digest: DigestString("b")},
		"file2": {Size: 1, Digest: DigestString("c")},
	}
	after := Snapshot{
		"file0": {Size: 1, Digest: DigestString("a")},
		"file1": {Size: 2, Digest: DigestString("bb")},
		"file3": {Size: 1, Digest: DigestString("d")},
	}

	diffs := before.Diff(after)
	require.Len(t, diffs, 3)
	assert.Contains(t, diffs[0], "file1:")
	assert.Equal(t, "file2: removed", diffs[1])
	assert.Equal(t, "file3: added", diffs[2])

	assert.Empty(t, before.Diff(before))
}

func TestDigestString_Stable(t *testing.T) {
	assert.Equal(t, DigestString("hello"), DigestString("hello"))
	assert.NotEqual(t, DigestString("hello"), DigestString("hello\n"))
}
