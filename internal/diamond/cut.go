package diamond

// TransitionKind tells whether a facet gained its first route or lost its last.
type TransitionKind int

const (
	// FacetAdded marks a facet going from zero routes to at least one.
	FacetAdded TransitionKind = iota + 1
	// FacetRemoved marks a facet going from at least one route to zero.
	FacetRemoved
)

// String returns the string representation of the kind.
func (k TransitionKind) String() string {
	switch k {
	case FacetAdded:
		return "added"
	case FacetRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Transition is a facet lifecycle change recorded while staging a batch.
type Transition struct {
	Kind   TransitionKind
	Module ModuleID
}

// StageCuts applies cuts, in order, to a copy of table and returns the copy
// together with the facet transitions that occurred. Later cuts observe the
// effects of earlier ones. On error the returned table is nil and table
// itself is never modified.
func StageCuts(table *RouteTable, cuts []FacetCut) (*RouteTable, []Transition, error) {
	staged := table.clone()
	var transitions []Transition
	for _, cut := range cuts {
		tr, err := staged.applyCut(cut)
		if err != nil {
			return nil, nil, err
		}
		if tr != nil {
			transitions = append(transitions, *tr)
		}
	}
	return staged, transitions, nil
}

func (t *RouteTable) applyCut(cut FacetCut) (*Transition, error) {
	if t.hasFrozen && cut.Module == t.frozen {
		return nil, ErrImmutableFunction
	}

	if len(cut.Selectors) == 0 {
		if !t.removeFacet(cut.Module) {
			return nil, nil
		}
		return &Transition{Kind: FacetRemoved, Module: cut.Module}, nil
	}

	_, existed := t.facets[cut.Module]
	for _, s := range cut.Selectors {
		cur, bound := t.selectors[s]
		switch {
		case bound && cur == cut.Module:
			continue
		case bound:
			return nil, &ReplaceExistingError{Selector: s, Current: cur}
		default:
			t.bind(s, cut.Module)
		}
	}
	t.setSelectors(cut.Module, cut.Selectors)

	if existed {
		return nil, nil
	}
	return &Transition{Kind: FacetAdded, Module: cut.Module}, nil
}
