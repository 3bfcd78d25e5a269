package ebd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPackageMeta(t *testing.T) {
	setTestGlobals(t)
	dir := writeTestPackage(t, "zlib", "1.3.1", "4")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sources"),
		[]byte("# upstream tarball\nzlib-1.3.1.tar.gz\n\nextra.patch\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "depends"),
		[]byte("libc\ncmake make\n"), 0644))

	meta, err := loadPackageMeta("zlib")
	require.NoError(t, err)
	require.Equal(t, "zlib", meta.Name)
	require.Equal(t, "1.3.1", meta.Version)
	require.Equal(t, "1", meta.Revision)
	require.Equal(t, "4", meta.Level)
	require.Equal(t, []string{"zlib-1.3.1.tar.gz", "extra.patch"}, meta.Sources)
	require.Len(t, meta.Depends, 2)
	require.False(t, meta.Depends[0].Make)
	require.True(t, meta.Depends[1].Make)
}

func TestLoadPackageMetaDefaults(t *testing.T) {
	setTestGlobals(t)
	writeTestPackage(t, "plain", "0.1", "")

	meta, err := loadPackageMeta("plain")
	require.NoError(t, err)
	require.Equal(t, DefaultLevel, meta.Level, "missing eapi file means the base level")
	require.Empty(t, meta.Sources)
}

func TestLoadPackageMetaNotFound(t *testing.T) {
	setTestGlobals(t)

	_, err := loadPackageMeta("missing")
	require.ErrorIs(t, err, errPackageNotFound)

	// A directory without a version file is not a package.
	require.NoError(t, os.MkdirAll(filepath.Join(repoPaths, "stub"), 0755))
	_, err = loadPackageMeta("stub")
	require.ErrorIs(t, err, errPackageNotFound)
}

func TestFindPackageDirFirstRepoWins(t *testing.T) {
	setTestGlobals(t)
	writeTestPackage(t, "dup", "1.0", "")

	second := t.TempDir()
	repoPaths = repoPaths + string(filepath.ListSeparator) + second
	otherDir := filepath.Join(second, "dup")
	require.NoError(t, os.MkdirAll(otherDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "version"), []byte("9.9 1\n"), 0644))

	meta, err := loadPackageMeta("dup")
	require.NoError(t, err)
	require.Equal(t, "1.0", meta.Version)
}

func TestDistfilePathRejectsEscapes(t *testing.T) {
	_, err := distfilePath("/cache/distfiles", "../etc/passwd")
	require.Error(t, err)
	_, err = distfilePath("/cache/distfiles", "/etc/passwd")
	require.Error(t, err)

	path, err := distfilePath("/cache/distfiles", "sub/file.tar.gz")
	require.NoError(t, err)
	require.Equal(t, "/cache/distfiles/sub/file.tar.gz", path)
}

func TestListPatchesSorted(t *testing.T) {
	dir := t.TempDir()
	patchDir := filepath.Join(dir, "patches")
	require.NoError(t, os.MkdirAll(patchDir, 0755))
	for _, name := range []string{"02-b.patch", "01-a.patch", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(patchDir, name), nil, 0644))
	}

	patches := listPatches(dir)
	require.Len(t, patches, 2)
	require.Equal(t, "01-a.patch", filepath.Base(patches[0]))
	require.Equal(t, "02-b.patch", filepath.Base(patches[1]))
}
