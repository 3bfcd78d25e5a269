package ebd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// BuildOptions tunes one pkgBuild run.
type BuildOptions struct {
	RunTests bool // run src_test (otherwise skipped unless the package marks it)
	KeepTree bool // keep the build tree after success
}

// buildTree is the on-disk layout of one package build under the tmp root.
type buildTree struct {
	Root     string // <buildRoot>/<name>
	WorkRoot string // work/   (WORKDIR)
	ImageDir string // image/  (D)
	TempDir  string // temp/   (T)
	LogDir   string // log/
	LogPath  string // log/build-log.txt
}

func newBuildTree(pkgName string) buildTree {
	root := filepath.Join(buildRoot, pkgName)
	return buildTree{
		Root:     root,
		WorkRoot: filepath.Join(root, "work"),
		ImageDir: filepath.Join(root, "image"),
		TempDir:  filepath.Join(root, "temp"),
		LogDir:   filepath.Join(root, "log"),
		LogPath:  filepath.Join(root, "log", "build-log.txt"),
	}
}

// create wipes any previous tree for the package and lays out a fresh one.
func (t buildTree) create() error {
	if err := os.RemoveAll(t.Root); err != nil {
		return fmt.Errorf("failed to clean build tree %s: %w", t.Root, err)
	}
	for _, dir := range []string{t.WorkRoot, t.ImageDir, t.TempDir, t.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
	}
	return nil
}

// buildEnv assembles the environment every phase command and override script
// runs with.
func buildEnv(meta *PackageMeta, tree buildTree, workDir, configureSource string) []string {
	env := os.Environ()
	p := meta.Name + "-" + meta.Version
	env = append(env,
		"PN="+meta.Name,
		"PV="+meta.Version,
		"PR="+meta.Revision,
		"P="+p,
		"PF="+p+"-"+meta.Revision,
		"EAPI="+meta.Level,
		"WORKDIR="+tree.WorkRoot,
		"S="+workDir,
		"D="+tree.ImageDir,
		"T="+tree.TempDir,
		"DISTDIR="+DistDir,
		"FILESDIR="+filepath.Join(meta.Dir, "files"),
		fmt.Sprintf("MAKEFLAGS=-j%d", jobs),
	)
	if configureSource != "" {
		env = append(env, "ECONF_SOURCE="+configureSource)
	}
	return env
}

// newBuildContext wires a BuildContext for meta over an existing tree.
func newBuildContext(meta *PackageMeta, tree buildTree, execCtx *Executor, logW io.Writer) (*BuildContext, error) {
	sources := make([]string, 0, len(meta.Sources))
	for _, name := range meta.Sources {
		path, err := distfilePath(DistDir, name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, path)
	}

	configureSource := os.Getenv("ECONF_SOURCE")

	b := &BuildContext{
		Name:            meta.Name,
		Version:         meta.Version,
		Revision:        meta.Revision,
		Level:           meta.Level,
		WorkRoot:        tree.WorkRoot,
		WorkDir:         tree.WorkRoot,
		ImageDir:        tree.ImageDir,
		TempDir:         tree.TempDir,
		FilesDir:        filepath.Join(meta.Dir, "files"),
		DistDir:         DistDir,
		Sources:         sources,
		Patches:         listPatches(meta.Dir),
		ConfigureSource: configureSource,
		Jobs:            jobs,
		Log:             logW,
		Exec:            execCtx,
		Probe:           DefaultProbe,
	}
	b.Env = buildEnv(meta, tree, b.WorkDir, configureSource)
	return b, nil
}

// settleWorkDir picks S after unpack: WORKDIR/<name>-<version> when the
// unpack produced it, else a sole top-level directory, else WORKDIR itself.
func settleWorkDir(b *BuildContext, meta *PackageMeta, tree buildTree) {
	candidate := filepath.Join(b.WorkRoot, meta.Name+"-"+meta.Version)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		b.WorkDir = candidate
	} else if sole, ok := soleSubdir(b.WorkRoot); ok {
		b.WorkDir = sole
	} else {
		b.WorkDir = b.WorkRoot
	}
	b.Env = buildEnv(meta, tree, b.WorkDir, b.ConfigureSource)
	debugf("Source directory settled: %s\n", b.WorkDir)
}

// phaseOverridePath returns the package's own script for a phase, or "" when
// the resolved table implementation should run. Same rule as the configure
// probe: the file must exist and be executable.
func phaseOverridePath(meta *PackageMeta, phase string, probe Probe) string {
	path := filepath.Join(meta.Dir, phase)
	if probe.Exists(path) && probe.IsExecutable(path) {
		return path
	}
	return ""
}

// wantsTests reports whether src_test should run: requested on the command
// line or demanded by the package's test marker file.
func wantsTests(meta *PackageMeta, opts BuildOptions) bool {
	if opts.RunTests {
		return true
	}
	_, err := os.Stat(filepath.Join(meta.Dir, "test"))
	return err == nil
}

// runPhase executes one phase with EBD_PHASE exported, preferring the
// package's override script over the table implementation.
func runPhase(table *PhaseTable, phase string, b *BuildContext, meta *PackageMeta) error {
	base := b.Env
	b.Env = append(append([]string{}, base...), "EBD_PHASE="+phase)
	defer func() { b.Env = base }()

	if script := phaseOverridePath(meta, phase, b.Probe); script != "" {
		debugf("Running package override for %s: %s\n", phase, script)
		return b.Exec.Run(b.command(script))
	}
	return table.Run(phase, b)
}

// pkgBuild runs the full build pipeline for one package: resolve the phase
// table, stand up the build tree, verify distfiles, run the resolved sequence,
// and package the staging image. Any failure aborts immediately; the tree is
// left behind for inspection.
func pkgBuild(pkgName string, execCtx *Executor, opts BuildOptions) (time.Duration, error) {
	startTime := time.Now()

	meta, err := loadPackageMeta(pkgName)
	if err != nil {
		return 0, err
	}

	table, err := Resolve(Levels, meta.Level)
	if err != nil {
		return 0, fmt.Errorf("cannot resolve API level for %s: %w", pkgName, err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Building %s %s-%s (API level %s)\n", meta.Name, meta.Version, meta.Revision, meta.Level)

	tree := newBuildTree(meta.Name)
	if err := tree.create(); err != nil {
		return 0, err
	}

	if err := verifyDistfiles(meta, DistDir); err != nil {
		return 0, fmt.Errorf("source verification failed: %w", err)
	}

	logFile, err := os.Create(tree.LogPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create build log: %w", err)
	}
	defer logFile.Close()

	b, err := newBuildContext(meta, tree, execCtx, logFile)
	if err != nil {
		return 0, err
	}

	runTests := wantsTests(meta, opts)
	for _, phase := range table.Sequence {
		if phase == PhaseTest && !runTests {
			debugf("Skipping %s (not requested)\n", phase)
			continue
		}

		colArrow.Print("-> ")
		colSuccess.Printf("%s: %s\n", meta.Name, phase)
		fmt.Fprintf(logFile, "=== %s ===\n", phase)

		if err := runPhase(table, phase, b, meta); err != nil {
			logFile.Close()
			tailBuildLog(tree.LogPath, execCtx)
			colArrow.Print("-> ")
			colError.Printf("Build of %s failed in %s; tree kept at %s\n", meta.Name, phase, tree.Root)
			return time.Since(startTime), fmt.Errorf("%s failed for %s: %w", phase, meta.Name, err)
		}

		if phase == PhaseUnpack {
			settleWorkDir(b, meta, tree)
		}
	}

	// Packaging must not be torn in half by a first Ctrl+C.
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := writeImageMetadata(meta, tree); err != nil {
		return time.Since(startTime), err
	}

	tarball, err := createPackageTarball(meta.Name, meta.Version, meta.Revision, arch, tree.ImageDir, execCtx, logFile)
	if err != nil {
		return time.Since(startTime), fmt.Errorf("failed to package %s: %w", meta.Name, err)
	}
	if err := SignFile(tarball); err != nil {
		return time.Since(startTime), fmt.Errorf("failed to sign %s: %w", tarball, err)
	}

	logFile.Close()
	// The binary cache may be root-owned; RootExec places the archived log
	// there when plain writes cannot.
	if err := compressXZ(tree.LogPath, tarball+".log.xz", RootExec); err != nil {
		debugf("Warning: failed to archive build log: %v\n", err)
	}

	if !opts.KeepTree {
		if err := os.RemoveAll(tree.Root); err != nil {
			debugf("Warning: failed to remove build tree %s: %v\n", tree.Root, err)
		}
	}

	elapsed := time.Since(startTime)
	colArrow.Print("-> ")
	colSuccess.Printf("Built %s in %s\n", meta.Name, formatElapsed(elapsed))
	return elapsed, nil
}

// writeImageMetadata records the package's identity inside the staging image
// so the binary artifact is self-describing.
func writeImageMetadata(meta *PackageMeta, tree buildTree) error {
	dbDir := filepath.Join(tree.ImageDir, "var", "db", "pkgcore", "installed", meta.Name)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	pkgInfo := fmt.Sprintf("name=%s\nversion=%s\nrevision=%s\narch=%s\neapi=%s\n",
		meta.Name, meta.Version, meta.Revision, arch, meta.Level)
	if err := os.WriteFile(filepath.Join(dbDir, "pkginfo"), []byte(pkgInfo), 0644); err != nil {
		return fmt.Errorf("failed to write pkginfo: %w", err)
	}

	if src := filepath.Join(meta.Dir, "depends"); fileExists(src) {
		if err := copyFile(src, filepath.Join(dbDir, "depends")); err != nil {
			return fmt.Errorf("failed to copy depends: %w", err)
		}
	}

	entries, err := listImage(tree.ImageDir)
	if err != nil {
		return fmt.Errorf("failed to list image: %w", err)
	}
	return writeContentsFile(filepath.Join(dbDir, "contents"), entries)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tailBuildLog shows the last part of the build log after a failure, so the
// cause is visible without opening the TUI.
func tailBuildLog(logPath string, execCtx *Executor) {
	tailCmd := exec.Command("tail", "-n", "50", logPath)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	if execCtx != nil {
		_ = execCtx.Run(tailCmd)
	} else {
		_ = tailCmd.Run()
	}
}

// runSinglePhase resolves the package's table and executes one named phase
// against its build tree. The tree is reused when a previous run left one
// behind, otherwise a fresh one is created.
func runSinglePhase(pkgName, phase string, execCtx *Executor) error {
	meta, err := loadPackageMeta(pkgName)
	if err != nil {
		return err
	}

	table, err := Resolve(Levels, meta.Level)
	if err != nil {
		return fmt.Errorf("cannot resolve API level for %s: %w", pkgName, err)
	}
	if !table.Has(phase) && phaseOverridePath(meta, phase, DefaultProbe) == "" {
		return fmt.Errorf("%w: %q (API level %s)", ErrUnknownPhase, phase, meta.Level)
	}

	tree := newBuildTree(meta.Name)
	if !fileExists(tree.Root) {
		if err := tree.create(); err != nil {
			return err
		}
	}

	logFile, err := os.OpenFile(tree.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open build log: %w", err)
	}
	defer logFile.Close()

	b, err := newBuildContext(meta, tree, execCtx, io.MultiWriter(os.Stdout, logFile))
	if err != nil {
		return err
	}
	settleWorkDir(b, meta, tree)

	colArrow.Print("-> ")
	colSuccess.Printf("%s: %s\n", meta.Name, phase)
	fmt.Fprintf(logFile, "=== %s ===\n", phase)
	return runPhase(table, phase, b, meta)
}
