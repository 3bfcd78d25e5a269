package ebd

import (
	"os"

	"golang.org/x/sys/unix"
)

// Probe answers the filesystem questions phase implementations ask before
// running anything: is a path there, and may we execute it. Implementations
// must not follow error details; absence and permission failures both read
// as "no".
type Probe interface {
	Exists(path string) bool
	IsExecutable(path string) bool
}

// osProbe is the production Probe backed by the real filesystem.
type osProbe struct{}

func (osProbe) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsExecutable reports whether the calling user may execute path, matching
// the shell's -x test (access(2) with X_OK, so setuid callers are judged by
// their real IDs).
func (osProbe) IsExecutable(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}

// DefaultProbe is the Probe used outside of tests.
var DefaultProbe Probe = osProbe{}
