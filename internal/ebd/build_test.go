package ebd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// setTestGlobals points every derived directory at a throwaway root and
// restores the previous values afterwards.
func setTestGlobals(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	oldRepo, oldCache, oldDist, oldBin := repoPaths, CacheDir, DistDir, BinDir
	oldTmp, oldBuildRoot, oldJobs, oldKey := tmpDir, buildRoot, jobs, activeKeyID
	t.Cleanup(func() {
		repoPaths, CacheDir, DistDir, BinDir = oldRepo, oldCache, oldDist, oldBin
		tmpDir, buildRoot, jobs, activeKeyID = oldTmp, oldBuildRoot, oldJobs, oldKey
	})

	repoPaths = filepath.Join(root, "repo")
	CacheDir = filepath.Join(root, "cache")
	DistDir = filepath.Join(CacheDir, "distfiles")
	BinDir = filepath.Join(CacheDir, "packages")
	tmpDir = filepath.Join(root, "tmp")
	buildRoot = filepath.Join(tmpDir, "pkgcore")
	jobs = 2
	activeKeyID = ""

	for _, dir := range []string{repoPaths, DistDir, BinDir, buildRoot} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return root
}

// writeTestPackage lays out a minimal package directory in the test repo.
func writeTestPackage(t *testing.T, name, version, level string) string {
	t.Helper()
	dir := filepath.Join(repoPaths, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte(version+" 1\n"), 0644))
	if level != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "eapi"), []byte(level+"\n"), 0644))
	}
	return dir
}

func writeScript(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode))
}

func testExecutor() *Executor {
	return NewExecutor(context.Background())
}

func TestPkgBuildOverrideScriptShadowsTable(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "hello", "1.0", "0")
	writeScript(t, filepath.Join(pkgDir, PhaseCompile), `echo "$PN-$PV phase=$EBD_PHASE" > "$T/marker"`, 0755)

	_, err := pkgBuild("hello", testExecutor(), BuildOptions{KeepTree: true})
	require.NoError(t, err)

	tree := newBuildTree("hello")
	data, err := os.ReadFile(filepath.Join(tree.TempDir, "marker"))
	require.NoError(t, err, "override script must run instead of the table implementation")
	require.Equal(t, "hello-1.0 phase=src_compile", strings.TrimSpace(string(data)))

	tarball := filepath.Join(BinDir, binpkgName("hello", "1.0", "1", arch))
	require.FileExists(t, tarball)
	require.FileExists(t, tarball+".log.xz")

	meta, _, err := scanTarballMetadata(tarball)
	require.NoError(t, err)
	require.Equal(t, "hello", meta["name"])
	require.Equal(t, "1.0", meta["version"])
	require.Equal(t, "0", meta["eapi"])
}

func TestPkgBuildNonExecutableOverrideIgnored(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "quiet", "2.1", "0")
	// Present but not executable, so the table's no-op install runs instead.
	writeScript(t, filepath.Join(pkgDir, PhaseInstall), "exit 1", 0644)

	_, err := pkgBuild("quiet", testExecutor(), BuildOptions{})
	require.NoError(t, err)
	require.NoDirExists(t, newBuildTree("quiet").Root, "successful builds clean their tree")
}

func TestPkgBuildStopsAtFirstFailingPhase(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "broken", "0.5", "2")
	writeScript(t, filepath.Join(pkgDir, PhasePrepare), "echo preparing; exit 1", 0755)
	writeScript(t, filepath.Join(pkgDir, PhaseCompile), `touch "$T/compiled"`, 0755)

	_, err := pkgBuild("broken", testExecutor(), BuildOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), PhasePrepare)

	tree := newBuildTree("broken")
	require.DirExists(t, tree.Root, "failed builds keep the tree for inspection")
	require.NoFileExists(t, filepath.Join(tree.TempDir, "compiled"), "phases after the failure must not run")
}

func TestPkgBuildTestPhaseGating(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "flaky", "3.0", "0")
	writeScript(t, filepath.Join(pkgDir, PhaseTest), "exit 1", 0755)

	// Tests are skipped by default, so the failing script never runs.
	_, err := pkgBuild("flaky", testExecutor(), BuildOptions{})
	require.NoError(t, err)

	_, err = pkgBuild("flaky", testExecutor(), BuildOptions{RunTests: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), PhaseTest)

	// A package-level test marker demands the phase too.
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "test"), nil, 0644))
	_, err = pkgBuild("flaky", testExecutor(), BuildOptions{})
	require.Error(t, err)
}

func TestPkgBuildVerifiesDistfiles(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "sourced", "1.2", "0")

	distfile := filepath.Join(DistDir, "sourced-1.2.txt")
	require.NoError(t, os.WriteFile(distfile, []byte("payload\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "sources"), []byte("sourced-1.2.txt\n"), 0644))

	// No checksums file at all: the build must refuse to start.
	_, err := pkgBuild("sourced", testExecutor(), BuildOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "source verification failed")

	sum, err := ComputeChecksum(distfile, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "checksums"),
		[]byte(fmt.Sprintf("%s  sourced-1.2.txt\n", sum)), 0644))

	_, err = pkgBuild("sourced", testExecutor(), BuildOptions{KeepTree: true})
	require.NoError(t, err)

	// Plain (non-archive) distfiles land in the work root as-is.
	tree := newBuildTree("sourced")
	require.FileExists(t, filepath.Join(tree.WorkRoot, "sourced-1.2.txt"))

	// Now corrupt the distfile: the mismatch aborts the next build.
	require.NoError(t, os.WriteFile(distfile, []byte("tampered\n"), 0644))
	_, err = pkgBuild("sourced", testExecutor(), BuildOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestPkgBuildUnknownLevel(t *testing.T) {
	setTestGlobals(t)
	writeTestPackage(t, "futurepkg", "1.0", "99")

	_, err := pkgBuild("futurepkg", testExecutor(), BuildOptions{})
	require.ErrorIs(t, err, ErrUnknownLevel)
}

func TestRunSinglePhase(t *testing.T) {
	setTestGlobals(t)
	pkgDir := writeTestPackage(t, "solo", "0.9", "2")
	writeScript(t, filepath.Join(pkgDir, PhaseConfigure), `touch "$T/configured"`, 0755)

	require.NoError(t, runSinglePhase("solo", PhaseConfigure, testExecutor()))
	require.FileExists(t, filepath.Join(newBuildTree("solo").TempDir, "configured"))

	err := runSinglePhase("solo", "src_paint", testExecutor())
	require.ErrorIs(t, err, ErrUnknownPhase)
}

func TestSettleWorkDir(t *testing.T) {
	setTestGlobals(t)
	writeTestPackage(t, "layout", "2.0", "0")
	meta, err := loadPackageMeta("layout")
	require.NoError(t, err)

	tree := newBuildTree("layout")
	require.NoError(t, tree.create())
	b, err := newBuildContext(meta, tree, testExecutor(), nil)
	require.NoError(t, err)

	// Empty work root: S stays at WORKDIR.
	settleWorkDir(b, meta, tree)
	require.Equal(t, tree.WorkRoot, b.WorkDir)

	// A sole top-level directory wins over the bare root.
	sole := filepath.Join(tree.WorkRoot, "layout-src")
	require.NoError(t, os.MkdirAll(sole, 0755))
	settleWorkDir(b, meta, tree)
	require.Equal(t, sole, b.WorkDir)

	// The canonical <name>-<version> directory wins over everything.
	canonical := filepath.Join(tree.WorkRoot, "layout-2.0")
	require.NoError(t, os.MkdirAll(canonical, 0755))
	settleWorkDir(b, meta, tree)
	require.Equal(t, canonical, b.WorkDir)
	require.Contains(t, b.Env, "S="+canonical)
}

func TestBuildEnv(t *testing.T) {
	setTestGlobals(t)
	writeTestPackage(t, "envy", "4.2", "6")
	meta, err := loadPackageMeta("envy")
	require.NoError(t, err)

	tree := newBuildTree("envy")
	env := buildEnv(meta, tree, tree.WorkRoot, "")
	require.Contains(t, env, "PN=envy")
	require.Contains(t, env, "PV=4.2")
	require.Contains(t, env, "PF=envy-4.2-1")
	require.Contains(t, env, "EAPI=6")
	require.Contains(t, env, "MAKEFLAGS=-j2")
	for _, e := range env {
		require.False(t, strings.HasPrefix(e, "ECONF_SOURCE="), "ECONF_SOURCE only set when overridden")
	}

	env = buildEnv(meta, tree, tree.WorkRoot, "unix")
	require.Contains(t, env, "ECONF_SOURCE=unix")
}
