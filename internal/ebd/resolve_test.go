package ebd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testChain builds a three-level chain where "compile" is defined at the base
// and overridden at the top, and "setup" only at the base.
func testChain(marks map[string]string) catalog {
	mark := func(level, phase string) PhaseFunc {
		return func(*BuildContext) error {
			marks[phase] = level
			return nil
		}
	}
	return catalog{
		"base": {
			ID: "base",
			Phases: map[string]PhaseFunc{
				"setup":   mark("base", "setup"),
				"compile": mark("base", "compile"),
			},
			Sequence: []string{"setup", "compile"},
		},
		"mid": {ID: "mid", Parent: "base", Phases: map[string]PhaseFunc{}},
		"top": {
			ID:     "top",
			Parent: "mid",
			Phases: map[string]PhaseFunc{
				"compile": mark("top", "compile"),
			},
		},
	}
}

func TestResolveOverrideWins(t *testing.T) {
	marks := make(map[string]string)
	table, err := Resolve(testChain(marks), "top")
	require.NoError(t, err)

	require.NoError(t, table.Run("compile", nil))
	require.Equal(t, "top", marks["compile"], "most derived definition must win")

	require.NoError(t, table.Run("setup", nil))
	require.Equal(t, "base", marks["setup"], "unoverridden phases come from the base")
}

func TestResolveEmptyLayerInheritsTable(t *testing.T) {
	marks := make(map[string]string)
	src := testChain(marks)

	mid, err := Resolve(src, "mid")
	require.NoError(t, err)
	base, err := Resolve(src, "base")
	require.NoError(t, err)

	require.ElementsMatch(t, base.Names(), mid.Names(),
		"a level with no phase changes must expose its predecessor's table")
	require.Equal(t, base.Sequence, mid.Sequence)
}

func TestResolveSequenceOverlay(t *testing.T) {
	marks := make(map[string]string)
	src := testChain(marks)
	src["top"].Sequence = []string{"setup", "prepare", "compile"}

	table, err := Resolve(src, "top")
	require.NoError(t, err)
	require.Equal(t, []string{"setup", "prepare", "compile"}, table.Sequence)

	mid, err := Resolve(src, "mid")
	require.NoError(t, err)
	require.Equal(t, []string{"setup", "compile"}, mid.Sequence, "lower levels keep the inherited sequence")
}

func TestResolveUnknownLevel(t *testing.T) {
	src := testChain(make(map[string]string))

	_, err := Resolve(src, "nope")
	require.ErrorIs(t, err, ErrUnknownLevel)

	// A dangling parent reference fails the same way.
	src["stray"] = &Level{ID: "stray", Parent: "ghost"}
	_, err = Resolve(src, "stray")
	require.ErrorIs(t, err, ErrUnknownLevel)
}

func TestResolveCycleDetected(t *testing.T) {
	src := catalog{
		"a": {ID: "a", Parent: "b"},
		"b": {ID: "b", Parent: "a"},
	}
	_, err := Resolve(src, "a")
	require.ErrorIs(t, err, ErrCycleDetected)

	// Self-loop as well.
	src = catalog{"x": {ID: "x", Parent: "x"}}
	_, err = Resolve(src, "x")
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestRunUnknownPhase(t *testing.T) {
	table, err := Resolve(testChain(make(map[string]string)), "top")
	require.NoError(t, err)

	err = table.Run("src_paint", nil)
	require.ErrorIs(t, err, ErrUnknownPhase)
	require.False(t, table.Has("src_paint"))
}

func TestBuiltinCatalog(t *testing.T) {
	for _, id := range KnownLevels() {
		table, err := Resolve(Levels, id)
		require.NoError(t, err, "level %s must resolve", id)
		require.NotEmpty(t, table.Sequence, "level %s must inherit a sequence", id)
		require.True(t, table.Has(PhaseCompile))
	}

	base, err := Resolve(Levels, "0")
	require.NoError(t, err)
	require.False(t, base.Has(PhaseConfigure), "base level has no separate configure phase")

	lv2, err := Resolve(Levels, "2")
	require.NoError(t, err)
	require.True(t, lv2.Has(PhaseConfigure))
	require.Contains(t, lv2.Sequence, PhasePrepare)
	require.Contains(t, lv2.Sequence, PhaseConfigure)

	// Levels 1 and 3 changed nothing.
	lv1, err := Resolve(Levels, "1")
	require.NoError(t, err)
	require.ElementsMatch(t, base.Names(), lv1.Names())
}

func TestPhaseOrigins(t *testing.T) {
	origins, err := phaseOrigins(Levels, "6")
	require.NoError(t, err)
	require.Equal(t, "6", origins[PhaseInstall])
	require.Equal(t, "5", origins[PhaseTest])
	require.Equal(t, "2", origins[PhaseCompile])
	require.Equal(t, "0", origins[PhaseUnpack])
}
