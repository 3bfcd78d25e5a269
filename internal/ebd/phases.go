package ebd

import (
	"io"
	"os/exec"
	"path/filepath"
)

// CommandRunner runs one external command to completion and reports whether
// it succeeded. *Executor is the production implementation.
type CommandRunner interface {
	Run(cmd *exec.Cmd) error
}

// BuildContext carries everything a phase implementation acts on: the build
// tree of one package, the environment its commands run with, and the
// runner/probe pair that touches the outside world. The driver builds one
// per package build; tests build throwaway ones.
type BuildContext struct {
	Name     string
	Version  string
	Revision string
	Level    string

	WorkRoot string // top of the unpack area (WORKDIR)
	WorkDir  string // directory phase commands run in (S)
	ImageDir string // staging root the install default populates (D)
	TempDir  string // scratch space (T)
	FilesDir string // package-shipped aux files
	DistDir  string // where distfiles are resolved

	Sources []string // absolute distfile paths, in declaration order
	Patches []string // patch files for the prepare default, sorted

	// ConfigureSource overrides the directory the configure script is
	// probed in and run from. Relative values resolve against WorkDir;
	// empty means WorkDir itself.
	ConfigureSource string

	Env  []string
	Jobs int
	Log  io.Writer

	Exec  CommandRunner
	Probe Probe
}

// configureDir is where the configure script is expected.
func (b *BuildContext) configureDir() string {
	src := b.ConfigureSource
	if src == "" {
		return b.WorkDir
	}
	if !filepath.IsAbs(src) {
		return filepath.Join(b.WorkDir, src)
	}
	return src
}

// command prepares an external command for a phase: run in the work tree,
// with the phase environment, output teed into the build log.
func (b *BuildContext) command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = b.WorkDir
	cmd.Env = b.Env
	if b.Log != nil {
		cmd.Stdout = b.Log
		cmd.Stderr = b.Log
	}
	return cmd
}

// nopPhase is the shared do-nothing default.
func nopPhase(*BuildContext) error { return nil }

// unpackDistfiles extracts every declared distfile into the work root.
func unpackDistfiles(b *BuildContext) error {
	for _, src := range b.Sources {
		if err := extractDistfile(b, src); err != nil {
			return &StepError{Step: StepUnpack, Err: err}
		}
	}
	return nil
}

// compileWithConfigure is the oldest compile default, configure and build in
// one phase:
//
//  1. probe <configure dir>/configure; it must exist and be executable
//  2. if so, run it with the default options; a failure aborts before make
//  3. probe Makefile, GNUmakefile, makefile in that order
//  4. first hit runs make; no hit means nothing to build, which is fine
func compileWithConfigure(b *BuildContext) error {
	if err := configureProject(b); err != nil {
		return err
	}
	return compileMake(b)
}

// configureProject runs the configure script when one is present and
// executable. A present but non-executable entry is skipped, same as the
// shell's -x test. Bound as src_configure from level 2 on.
func configureProject(b *BuildContext) error {
	script := filepath.Join(b.configureDir(), "configure")
	if !b.Probe.Exists(script) || !b.Probe.IsExecutable(script) {
		return nil
	}
	if err := econf(b); err != nil {
		return &StepError{Step: StepConfigure, Err: err}
	}
	return nil
}

// compileMake drives make when a build-control file is present. From level 2
// this is the whole of src_compile.
func compileMake(b *BuildContext) error {
	if !makeControlPresent(b) {
		return nil
	}
	if err := emake(b); err != nil {
		return &StepError{Step: StepBuild, Err: err}
	}
	return nil
}

// testMakeSerial runs the check or test target, forced single-job. Levels
// before 5 did not trust test suites with parallelism.
func testMakeSerial(b *BuildContext) error {
	return runMakeTests(b, 1)
}

// testMakeParallel runs the same target selection at full width.
func testMakeParallel(b *BuildContext) error {
	return runMakeTests(b, b.Jobs)
}

func runMakeTests(b *BuildContext, testJobs int) error {
	if !makeControlPresent(b) {
		return nil
	}
	target, ok := pickTestTarget(b)
	if !ok {
		return nil
	}
	if err := emakeJobs(b, testJobs, target); err != nil {
		return &StepError{Step: StepTest, Err: err}
	}
	return nil
}

// installMake is the level-4 install default: make install into the image.
func installMake(b *BuildContext) error {
	if !makeControlPresent(b) {
		return nil
	}
	if err := emake(b, "DESTDIR="+b.ImageDir, "install"); err != nil {
		return &StepError{Step: StepInstall, Err: err}
	}
	return nil
}

// installMakeWithDocs extends the level-4 install by explicit forwarding and
// then copies the standard top-level doc files into the image.
func installMakeWithDocs(b *BuildContext) error {
	if err := installMake(b); err != nil {
		return err
	}
	if err := installDocs(b); err != nil {
		return &StepError{Step: StepInstall, Err: err}
	}
	return nil
}

// applyPatchset is the level-6 prepare default: apply the package's patches
// in sorted order with patch -p1.
func applyPatchset(b *BuildContext) error {
	for _, patch := range b.Patches {
		if err := applyPatch(b, patch); err != nil {
			return &StepError{Step: StepPrepare, Err: err}
		}
	}
	return nil
}
