package ebd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Step names carried by StepError.
const (
	StepUnpack    = "unpack"
	StepPrepare   = "prepare"
	StepConfigure = "configure"
	StepBuild     = "build"
	StepTest      = "test"
	StepInstall   = "install"
)

// StepError marks which build step's command failed, so callers and logs can
// say more than "phase failed". Matched with errors.As.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// econf runs the project's configure script with the distribution defaults.
func econf(b *BuildContext, extra ...string) error {
	script := filepath.Join(b.configureDir(), "configure")
	args := append([]string{
		"--prefix=/usr",
		"--sysconfdir=/etc",
		"--localstatedir=/var",
	}, extra...)
	return b.Exec.Run(b.command(script, args...))
}

// emake drives make at the configured parallelism.
func emake(b *BuildContext, args ...string) error {
	return emakeJobs(b, b.Jobs, args...)
}

func emakeJobs(b *BuildContext, n int, args ...string) error {
	if n < 1 {
		n = 1
	}
	argv := append([]string{fmt.Sprintf("-j%d", n)}, args...)
	return b.Exec.Run(b.command("make", argv...))
}

// makeControlFiles is the fixed probe order. make itself would prefer
// GNUmakefile, but the presence check has always been Makefile first.
var makeControlFiles = []string{"Makefile", "GNUmakefile", "makefile"}

func makeControlPresent(b *BuildContext) bool {
	for _, name := range makeControlFiles {
		if b.Probe.Exists(filepath.Join(b.WorkDir, name)) {
			return true
		}
	}
	return false
}

// pickTestTarget asks make (dry-run, output discarded) whether the tree has
// a check target, falling back to test.
func pickTestTarget(b *BuildContext) (string, bool) {
	for _, target := range []string{"check", "test"} {
		cmd := b.command("make", "-n", target)
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		if b.Exec.Run(cmd) == nil {
			return target, true
		}
	}
	return "", false
}

// applyPatch applies one patch file at -p1 from the work directory.
func applyPatch(b *BuildContext, path string) error {
	return b.Exec.Run(b.command("patch", "-p1", "-f", "-g0", "--no-backup-if-mismatch", "-i", path))
}

// standardDocs is the historical default documentation list.
var standardDocs = []string{
	"README", "README.md", "ChangeLog", "AUTHORS", "NEWS",
	"TODO", "CHANGES", "THANKS", "BUGS", "FAQ", "CREDITS",
}

// installDocs copies the standard top-level doc files into the image.
// Missing and empty files are skipped silently.
func installDocs(b *BuildContext) error {
	docDir := filepath.Join(b.ImageDir, "usr/share/doc", b.Name+"-"+b.Version)
	for _, name := range standardDocs {
		src := filepath.Join(b.WorkDir, name)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		if err := os.MkdirAll(docDir, 0755); err != nil {
			return err
		}
		if err := copyFile(src, filepath.Join(docDir, name)); err != nil {
			return err
		}
	}
	return nil
}
