package events

import (
	"strconv"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// CutRecorder turns committed batches into EventCutApplied events. It
// implements diamond.CutEmitter.
type CutRecorder struct {
	Log EventLogger
}

var _ diamond.CutEmitter = CutRecorder{}

// EmitCut implements diamond.CutEmitter.
func (r CutRecorder) EmitCut(cuts []diamond.FacetCut, init *diamond.InitCall) {
	b := NewEvent(EventCutApplied).
		Cuts(cuts).
		Message("diamond cut applied")
	if init != nil {
		b.Module(init.Module).
			Metadata("init_entry", init.Entry.String()).
			Metadata("init_payload_bytes", strconv.Itoa(len(init.Payload)))
	}
	b.LogTo(r.Log)
}

// HookRecorder records facet lifecycle transitions. It implements
// diamond.Hooks.
type HookRecorder struct {
	Log EventLogger
}

var _ diamond.Hooks = HookRecorder{}

// OnModuleAdded implements diamond.Hooks.
func (r HookRecorder) OnModuleAdded(m diamond.ModuleID) {
	NewEvent(EventFacetAdded).Module(m).Message("facet registered").LogTo(r.Log)
}

// OnModuleRemoved implements diamond.Hooks.
func (r HookRecorder) OnModuleRemoved(m diamond.ModuleID) {
	NewEvent(EventFacetRemoved).Module(m).Message("facet deregistered").LogTo(r.Log)
}

// SummarizeCuts converts cuts to their hex summary form.
func SummarizeCuts(cuts []diamond.FacetCut) []CutSummary {
	out := make([]CutSummary, 0, len(cuts))
	for _, c := range cuts {
		sels := make([]string, 0, len(c.Selectors))
		for _, s := range c.Selectors {
			sels = append(sels, s.String())
		}
		out = append(out, CutSummary{Module: ModuleHex(c.Module), Selectors: sels})
	}
	return out
}

// ModuleHex renders a facet id the way events store it.
func ModuleHex(m diamond.ModuleID) string {
	return "0x" + m.StringLE()
}
