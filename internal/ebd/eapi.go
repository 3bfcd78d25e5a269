package ebd

// Phase names shared by every API level. A package build runs a subset of
// these in sequence; single phases can also be invoked directly.
const (
	PhaseSetup     = "pkg_setup"
	PhaseUnpack    = "src_unpack"
	PhasePrepare   = "src_prepare"
	PhaseConfigure = "src_configure"
	PhaseCompile   = "src_compile"
	PhaseTest      = "src_test"
	PhaseInstall   = "src_install"
	PhasePreinst   = "pkg_preinst"
	PhasePostinst  = "pkg_postinst"
)

// DefaultLevel is assumed for packages that do not declare an API level.
const DefaultLevel = "0"

// PhaseFunc is one phase implementation as bound by an API level.
type PhaseFunc func(b *BuildContext) error

// Level is one link of the API succession chain: the phases it introduces or
// overrides, and the identifier of the level it derives from. A level that
// changes nothing (succession only) carries an empty phase map.
type Level struct {
	ID     string
	Parent string // empty marks the base level
	// Phases carries only this level's own bindings, never inherited ones.
	Phases map[string]PhaseFunc
	// Sequence is the full-build phase order. Empty inherits the
	// predecessor's order.
	Sequence []string
}

// LevelSource hands out level definitions by identifier. The built-in
// catalog is the production source; tests construct their own chains.
type LevelSource interface {
	Lookup(id string) (*Level, bool)
}

// catalog is a LevelSource over a fixed set of levels.
type catalog map[string]*Level

func (c catalog) Lookup(id string) (*Level, bool) {
	lv, ok := c[id]
	return lv, ok
}

// builtinLevels models the real succession of the ebuild API levels. Levels
// 1 and 3 changed nothing about phase behavior, they exist so packages can
// declare them and so the resolver walks them like any other link.
var builtinLevels = catalog{
	"0": {
		ID: "0",
		Phases: map[string]PhaseFunc{
			PhaseSetup:    nopPhase,
			PhaseUnpack:   unpackDistfiles,
			PhaseCompile:  compileWithConfigure,
			PhaseTest:     testMakeSerial,
			PhaseInstall:  nopPhase,
			PhasePreinst:  nopPhase,
			PhasePostinst: nopPhase,
		},
		Sequence: []string{PhaseSetup, PhaseUnpack, PhaseCompile, PhaseTest, PhaseInstall},
	},
	"1": {ID: "1", Parent: "0", Phases: map[string]PhaseFunc{}},
	"2": {
		ID:     "2",
		Parent: "1",
		Phases: map[string]PhaseFunc{
			PhasePrepare:   nopPhase,
			PhaseConfigure: configureProject,
			PhaseCompile:   compileMake,
		},
		Sequence: []string{PhaseSetup, PhaseUnpack, PhasePrepare, PhaseConfigure, PhaseCompile, PhaseTest, PhaseInstall},
	},
	"3": {ID: "3", Parent: "2", Phases: map[string]PhaseFunc{}},
	"4": {
		ID:     "4",
		Parent: "3",
		Phases: map[string]PhaseFunc{
			PhaseInstall: installMake,
		},
	},
	"5": {
		ID:     "5",
		Parent: "4",
		Phases: map[string]PhaseFunc{
			PhaseTest: testMakeParallel,
		},
	},
	"6": {
		ID:     "6",
		Parent: "5",
		Phases: map[string]PhaseFunc{
			PhasePrepare: applyPatchset,
			PhaseInstall: installMakeWithDocs,
		},
	},
}

// Levels is the built-in API level catalog.
var Levels LevelSource = builtinLevels

// KnownLevels lists the catalog identifiers base-first.
func KnownLevels() []string {
	return []string{"0", "1", "2", "3", "4", "5", "6"}
}
