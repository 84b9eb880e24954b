package diamond

// Hooks observes facets entering and leaving the route table. OnModuleAdded
// fires when a facet goes from zero routes to at least one, OnModuleRemoved
// when it goes back to zero. Implementations must not call back into the
// Diamond.
type Hooks interface {
	OnModuleAdded(m ModuleID)
	OnModuleRemoved(m ModuleID)
}

// NoopHooks ignores every notification.
type NoopHooks struct{}

func (NoopHooks) OnModuleAdded(ModuleID)   {}
func (NoopHooks) OnModuleRemoved(ModuleID) {}

// HookFuncs adapts optional functions to Hooks. Nil fields are skipped.
type HookFuncs struct {
	Added   func(ModuleID)
	Removed func(ModuleID)
}

func (h HookFuncs) OnModuleAdded(m ModuleID) {
	if h.Added != nil {
		h.Added(m)
	}
}

func (h HookFuncs) OnModuleRemoved(m ModuleID) {
	if h.Removed != nil {
		h.Removed(m)
	}
}

// MultiHooks fans notifications out to several hooks in order.
type MultiHooks []Hooks

func (mh MultiHooks) OnModuleAdded(m ModuleID) {
	for _, h := range mh {
		h.OnModuleAdded(m)
	}
}

func (mh MultiHooks) OnModuleRemoved(m ModuleID) {
	for _, h := range mh {
		h.OnModuleRemoved(m)
	}
}

// CutEmitter receives one audit notification per committed batch.
type CutEmitter interface {
	EmitCut(cuts []FacetCut, init *InitCall)
}

// NoopEmitter discards audit notifications.
type NoopEmitter struct{}

func (NoopEmitter) EmitCut([]FacetCut, *InitCall) {}
