package ebd

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	rootDir    string
	CacheDir   string
	DistDir    string
	BinDir     string
	repoPaths  string
	tmpDir     string
	buildRoot  string
	Debug      bool
	jobs       int
	ConfigFile = "/etc/pkgcore.conf"
	version    = "dev" //default version; overridden at build time
	arch       = runtime.GOARCH
	buildDate  = "unknown" // overridden at build time
	// Signing key used for binary packages, "" disables signing.
	activeKeyID string

	errPackageNotFound = errors.New("package not found")

	// Global executors (declared, to be assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
