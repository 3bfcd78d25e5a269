package ebd

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Resolution and execution sentinels, matched with errors.Is.
var (
	ErrUnknownLevel  = errors.New("unknown API level")
	ErrCycleDetected = errors.New("API level chain contains a cycle")
	ErrUnknownPhase  = errors.New("unknown phase")
)

// PhaseTable is the flattened view of one API level: every phase name the
// level answers to, bound to the winning implementation after walking the
// succession chain. It is built once by Resolve and passed around by value
// of reference; running phases from it never consults the chain again.
type PhaseTable struct {
	Level    string
	Phases   map[string]PhaseFunc
	Sequence []string
}

// Resolve flattens the succession chain of id into a PhaseTable.
//
// The walk fails on the first identifier src does not know and on any
// identifier seen twice, so a malformed chain terminates instead of looping.
// Bindings are applied base-first: a level overriding a phase always wins
// over every level below it. Resolution is deterministic, the same source
// and identifier always produce the same table.
func Resolve(src LevelSource, id string) (*PhaseTable, error) {
	var chain []*Level
	seen := make(map[string]bool)

	for cur := id; ; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %q reached via %q", ErrCycleDetected, cur, id)
		}
		seen[cur] = true

		lv, ok := src.Lookup(cur)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, cur)
		}
		chain = append(chain, lv)

		if lv.Parent == "" {
			break
		}
		cur = lv.Parent
	}

	table := &PhaseTable{
		Level:  id,
		Phases: make(map[string]PhaseFunc),
	}
	// chain holds most-derived first; overlay base-first so later levels
	// overwrite earlier bindings.
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(table.Phases, chain[i].Phases)
		if len(chain[i].Sequence) > 0 {
			table.Sequence = slices.Clone(chain[i].Sequence)
		}
	}
	return table, nil
}

// Run executes the named phase against b. Unknown names fail without side
// effects.
func (t *PhaseTable) Run(name string, b *BuildContext) error {
	fn, ok := t.Phases[name]
	if !ok {
		return fmt.Errorf("%w: %q (API level %s)", ErrUnknownPhase, name, t.Level)
	}
	return fn(b)
}

// Has reports whether the table binds the named phase.
func (t *PhaseTable) Has(name string) bool {
	_, ok := t.Phases[name]
	return ok
}

// Names returns the bound phase names, sorted for display.
func (t *PhaseTable) Names() []string {
	names := make([]string, 0, len(t.Phases))
	for name := range t.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
