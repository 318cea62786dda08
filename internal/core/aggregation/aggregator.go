package aggregation

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is the completion-mode tag carried by every block in a content tree.
type Mode string

const (
	// ModeCompletable marks a leaf whose completion is set directly.
	ModeCompletable Mode = "completable"
	// ModeAggregator marks a container whose completion is derived from its children.
	ModeAggregator Mode = "aggregator"
	// ModeExcluded marks a block that contributes nothing to any roll-up.
	ModeExcluded Mode = "excluded"
)

// Valid reports whether m is one of the known completion modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeCompletable, ModeAggregator, ModeExcluded:
		return true
	}
	return false
}

// ParseMode converts a configured mode string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown completion mode %q (must be completable, aggregator or excluded)", s)
	}
	return m, nil
}

// DefaultModes maps the stock block types to their completion mode.
// Block types absent from the registry resolve to ModeExcluded.
var DefaultModes = map[string]Mode{
	"course":          ModeAggregator,
	"chapter":         ModeAggregator,
	"sequential":      ModeAggregator,
	"vertical":        ModeAggregator,
	"library_content": ModeAggregator,
	"split_test":      ModeAggregator,
	"html":            ModeCompletable,
	"problem":         ModeCompletable,
	"video":           ModeCompletable,
	"discussion":      ModeExcluded,
}

// ModeRegistry resolves a block type to its completion mode.
// Lookups never fail: unregistered types are excluded.
type ModeRegistry struct {
	modes map[string]Mode
}

// NewModeRegistry builds a registry from DefaultModes plus the given overrides.
// Returns an error if an override names an unknown mode.
func NewModeRegistry(overrides map[string]string) (*ModeRegistry, error) {
	modes := make(map[string]Mode, len(DefaultModes)+len(overrides))
	for blockType, mode := range DefaultModes {
		modes[blockType] = mode
	}
	for blockType, raw := range overrides {
		mode, err := ParseMode(raw)
		if err != nil {
			return nil, fmt.Errorf("completion mode for block type %q: %w", blockType, err)
		}
		modes[strings.TrimSpace(blockType)] = mode
	}
	return &ModeRegistry{modes: modes}, nil
}

// Lookup returns the completion mode for blockType, falling back to ModeExcluded.
func (r *ModeRegistry) Lookup(blockType string) Mode {
	if r == nil {
		return ModeExcluded
	}
	if mode, ok := r.modes[blockType]; ok {
		return mode
	}
	return ModeExcluded
}

// KindSet is the allow-list of block types that get a stored Aggregate row.
// The zero value is empty. A KindSet is never mutated after construction.
type KindSet struct {
	kinds map[string]struct{}
}

// DefaultRegisteredKinds are the block types aggregated out of the box.
var DefaultRegisteredKinds = []string{"course", "chapter", "sequential", "vertical"}

// NewKindSet builds an allow-list from the given block types.
func NewKindSet(kinds ...string) KindSet {
	set := KindSet{kinds: make(map[string]struct{}, len(kinds))}
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set.kinds[k] = struct{}{}
	}
	return set
}

// DefaultKindSet returns the allow-list of DefaultRegisteredKinds.
func DefaultKindSet() KindSet {
	return NewKindSet(DefaultRegisteredKinds...)
}

// Contains reports whether kind is registered.
func (s KindSet) Contains(kind string) bool {
	_, ok := s.kinds[kind]
	return ok
}

// Len returns the number of registered kinds.
func (s KindSet) Len() int {
	return len(s.kinds)
}

// Slice returns the registered kinds in sorted order.
func (s KindSet) Slice() []string {
	out := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AffectedSet names the containers whose aggregate may need recomputation.
// It is either every container or a specific set.
type AffectedSet struct {
	all bool
	ids map[string]struct{}
}

// AllAffected returns the set that treats every container as affected.
func AllAffected() AffectedSet {
	return AffectedSet{all: true}
}

// SpecificAffected returns a set holding exactly the given container keys.
func SpecificAffected(ids ...string) AffectedSet {
	set := AffectedSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[id] = struct{}{}
	}
	return set
}

// IsAll reports whether the set covers every container.
func (a AffectedSet) IsAll() bool {
	return a.all
}

// IsAffected reports whether id is in the set.
func (a AffectedSet) IsAffected(id string) bool {
	if a.all {
		return true
	}
	_, ok := a.ids[id]
	return ok
}

// Len returns the number of specific containers, or -1 for the universal set.
func (a AffectedSet) Len() int {
	if a.all {
		return -1
	}
	return len(a.ids)
}
