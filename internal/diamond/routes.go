package diamond

import (
	"fmt"
	"sort"
)

// RouteTable is the bidirectional mapping between selectors and facets.
//
// Invariant: selectors[s] == m iff s is in facets[m], and every key of facets
// has at least one selector. Only the unexported mutators below change the
// maps and each of them updates both directions.
type RouteTable struct {
	selectors map[Selector]ModuleID
	facets    map[ModuleID][]Selector
	frozen    ModuleID
	hasFrozen bool
}

// NewRouteTable creates an empty table with no frozen facet.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		selectors: make(map[Selector]ModuleID),
		facets:    make(map[ModuleID][]Selector),
	}
}

// NewFrozenRouteTable creates a table whose frozen facet is pre-seeded with
// the given selectors. The frozen facet can never be the target of a cut.
func NewFrozenRouteTable(frozen ModuleID, selectors []Selector) *RouteTable {
	t := NewRouteTable()
	t.frozen = frozen
	t.hasFrozen = true
	if len(selectors) > 0 {
		for _, s := range selectors {
			t.selectors[s] = frozen
		}
		t.facets[frozen] = dedupe(selectors)
	}
	return t
}

// RestoreRouteTable rebuilds a table from a snapshot. It fails when the
// snapshot routes one selector to two facets or lists an empty facet.
func RestoreRouteTable(snap Snapshot) (*RouteTable, error) {
	t := NewRouteTable()
	if snap.Frozen != nil {
		t.frozen = *snap.Frozen
		t.hasFrozen = true
	}
	for _, f := range snap.Facets {
		if len(f.Selectors) == 0 {
			return nil, fmt.Errorf("restore routes: facet 0x%s has no selectors", f.Module.StringLE())
		}
		if _, dup := t.facets[f.Module]; dup {
			return nil, fmt.Errorf("restore routes: facet 0x%s listed twice", f.Module.StringLE())
		}
		for _, s := range f.Selectors {
			if cur, ok := t.selectors[s]; ok && cur != f.Module {
				return nil, fmt.Errorf("restore routes: %w", &ReplaceExistingError{Selector: s, Current: cur})
			}
			t.selectors[s] = f.Module
		}
		t.facets[f.Module] = dedupe(f.Selectors)
	}
	return t, nil
}

// Lookup returns the facet a selector is routed to.
func (t *RouteTable) Lookup(s Selector) (ModuleID, bool) {
	m, ok := t.selectors[s]
	return m, ok
}

// SelectorsOf returns a copy of the selectors routed to a facet, or false if
// the facet has no routes.
func (t *RouteTable) SelectorsOf(m ModuleID) ([]Selector, bool) {
	sels, ok := t.facets[m]
	if !ok {
		return nil, false
	}
	out := make([]Selector, len(sels))
	copy(out, sels)
	return out, true
}

// Frozen returns the frozen facet, if one is set.
func (t *RouteTable) Frozen() (ModuleID, bool) {
	return t.frozen, t.hasFrozen
}

// Len returns the number of routed selectors.
func (t *RouteTable) Len() int {
	return len(t.selectors)
}

// FacetCount returns the number of facets with at least one route.
func (t *RouteTable) FacetCount() int {
	return len(t.facets)
}

// Facets lists every routed facet ordered by script hash.
func (t *RouteTable) Facets() []Facet {
	out := make([]Facet, 0, len(t.facets))
	for m, sels := range t.facets {
		cp := make([]Selector, len(sels))
		copy(cp, sels)
		out = append(out, Facet{Module: m, Selectors: cp})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Module.Less(out[j].Module)
	})
	return out
}

// Snapshot returns the persisted form of the table.
func (t *RouteTable) Snapshot() Snapshot {
	snap := Snapshot{Facets: t.Facets()}
	if t.hasFrozen {
		frozen := t.frozen
		snap.Frozen = &frozen
	}
	return snap
}

// Verify checks the bijection invariant and returns the first violation.
func (t *RouteTable) Verify() error {
	seen := 0
	for m, sels := range t.facets {
		if len(sels) == 0 {
			return fmt.Errorf("facet 0x%s is registered without selectors", m.StringLE())
		}
		for _, s := range sels {
			got, ok := t.selectors[s]
			if !ok {
				return fmt.Errorf("selector %s listed under facet 0x%s is unrouted", s, m.StringLE())
			}
			if got != m {
				return fmt.Errorf("selector %s listed under facet 0x%s routes to 0x%s", s, m.StringLE(), got.StringLE())
			}
			seen++
		}
	}
	if seen != len(t.selectors) {
		return fmt.Errorf("%d routed selectors but %d listed under facets", len(t.selectors), seen)
	}
	return nil
}

func (t *RouteTable) clone() *RouteTable {
	c := &RouteTable{
		selectors: make(map[Selector]ModuleID, len(t.selectors)),
		facets:    make(map[ModuleID][]Selector, len(t.facets)),
		frozen:    t.frozen,
		hasFrozen: t.hasFrozen,
	}
	for s, m := range t.selectors {
		c.selectors[s] = m
	}
	for m, sels := range t.facets {
		cp := make([]Selector, len(sels))
		copy(cp, sels)
		c.facets[m] = cp
	}
	return c
}

// bind routes s to m and appends it to m's selector list.
func (t *RouteTable) bind(s Selector, m ModuleID) {
	t.selectors[s] = m
	t.facets[m] = append(t.facets[m], s)
}

// removeFacet unbinds every selector of m and reports whether m had routes.
func (t *RouteTable) removeFacet(m ModuleID) bool {
	sels, ok := t.facets[m]
	if !ok {
		return false
	}
	for _, s := range sels {
		delete(t.selectors, s)
	}
	delete(t.facets, m)
	return true
}

// setSelectors makes want the exact, ordered selector list of m. Every
// selector in want must already route to m; selectors of m missing from want
// are unbound.
func (t *RouteTable) setSelectors(m ModuleID, want []Selector) {
	keep := make(map[Selector]struct{}, len(want))
	for _, s := range want {
		keep[s] = struct{}{}
	}
	for _, s := range t.facets[m] {
		if _, ok := keep[s]; !ok {
			delete(t.selectors, s)
		}
	}
	t.facets[m] = dedupe(want)
}

func dedupe(in []Selector) []Selector {
	seen := make(map[Selector]struct{}, len(in))
	out := make([]Selector, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
