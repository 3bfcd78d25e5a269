package ebd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checksums")
	require.NoError(t, os.WriteFile(path, []byte(
		"abc123  plain.tar.gz\n"+
			"def456  name with spaces.zip\n"+
			"\n"+
			"malformed-line\n"), 0644))

	sums, err := readChecksumFile(path)
	require.NoError(t, err)
	require.Equal(t, "abc123", sums["plain.tar.gz"])
	require.Equal(t, "def456", sums["name with spaces.zip"])
	require.Len(t, sums, 2)
}

func TestVerifyDistfiles(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "verify", "1.0", "0")

	distfile := filepath.Join(DistDir, "verify-1.0.dat")
	require.NoError(t, os.WriteFile(distfile, []byte("content\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "sources"), []byte("verify-1.0.dat\n"), 0644))

	meta, err := loadPackageMeta("verify")
	require.NoError(t, err)

	sum, err := ComputeChecksum(distfile, nil)
	require.NoError(t, err)
	checksumFile := filepath.Join(pkgDir, "checksums")

	// Matching checksum passes.
	require.NoError(t, os.WriteFile(checksumFile, []byte(fmt.Sprintf("%s  verify-1.0.dat\n", sum)), 0644))
	require.NoError(t, verifyDistfiles(meta, DistDir))

	// Mismatch fails.
	require.NoError(t, os.WriteFile(checksumFile, []byte("0000000000000000  verify-1.0.dat\n"), 0644))
	err = verifyDistfiles(meta, DistDir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")

	// A declared distfile without a recorded sum fails.
	require.NoError(t, os.WriteFile(checksumFile, []byte(fmt.Sprintf("%s  other.dat\n", sum)), 0644))
	err = verifyDistfiles(meta, DistDir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no checksum recorded")

	// A missing distfile fails before hashing.
	require.NoError(t, os.WriteFile(checksumFile, []byte(fmt.Sprintf("%s  verify-1.0.dat\n", sum)), 0644))
	require.NoError(t, os.Remove(distfile))
	err = verifyDistfiles(meta, DistDir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestGenerateChecksums(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "gen", "2.0", "0")

	distfile := filepath.Join(DistDir, "gen-2.0.dat")
	require.NoError(t, os.WriteFile(distfile, []byte("data\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "sources"), []byte("gen-2.0.dat\n"), 0644))

	meta, err := loadPackageMeta("gen")
	require.NoError(t, err)
	require.NoError(t, generateChecksums(meta, DistDir, false))

	sums, err := readChecksumFile(filepath.Join(pkgDir, "checksums"))
	require.NoError(t, err)
	want, err := ComputeChecksum(distfile, nil)
	require.NoError(t, err)
	require.Equal(t, want, sums["gen-2.0.dat"])

	// The generated file round-trips through verification.
	require.NoError(t, verifyDistfiles(meta, DistDir))
}

func TestComputeChecksumsBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("file%d", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("payload %d\n", i)), 0644))
		paths = append(paths, p)
	}

	sums, err := ComputeChecksums(paths, nil)
	require.NoError(t, err)
	require.Len(t, sums, 3)
	for _, p := range paths {
		require.Len(t, sums[p], 64, "blake3 sums are 32 bytes hex encoded")
	}

	// Identical content hashes identically, different content does not.
	require.NotEqual(t, sums[paths[0]], sums[paths[1]])
	again, err := ComputeChecksum(paths[0], nil)
	require.NoError(t, err)
	require.Equal(t, sums[paths[0]], again)
}
