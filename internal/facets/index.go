package facets

import (
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/logging"
)

// Record is the lifecycle history of one facet.
type Record struct {
	Module        diamond.ModuleID `json:"module"`
	Status        Status           `json:"status"`
	Registrations int              `json:"registrations"`
	Generation    uint64           `json:"generation"`
	FirstAdded    time.Time        `json:"first_added"`
	LastChange    time.Time        `json:"last_change"`
}

// Index keeps a Record per facet. It implements diamond.Hooks, so wiring it
// into the registry keeps it in step with every committed batch.
type Index struct {
	mu         sync.RWMutex
	records    map[diamond.ModuleID]*Record
	generation uint64
	now        func() time.Time
	log        *logging.Logger
}

var _ diamond.Hooks = (*Index)(nil)

// NewIndex creates an empty index.
func NewIndex(log *logging.Logger) *Index {
	if log == nil {
		log = logging.NewDefault("facets")
	}
	return &Index{
		records: make(map[diamond.ModuleID]*Record),
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// Seed marks the facets of a restored route table active. Restoring routes
// does not fire hooks, so the daemon seeds the index once at startup.
func (x *Index) Seed(facets []diamond.Facet) {
	for _, f := range facets {
		x.OnModuleAdded(f.Module)
	}
}

// OnModuleAdded implements diamond.Hooks.
func (x *Index) OnModuleAdded(m diamond.ModuleID) {
	x.transition(m, StatusActive)
}

// OnModuleRemoved implements diamond.Hooks.
func (x *Index) OnModuleRemoved(m diamond.ModuleID) {
	x.transition(m, StatusRemoved)
}

func (x *Index) transition(m diamond.ModuleID, to Status) {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.now()
	rec, ok := x.records[m]
	if !ok {
		rec = &Record{Module: m}
		x.records[m] = rec
	}
	if !CanTransition(rec.Status, to) {
		x.log.WithField("module", "0x"+m.StringLE()).
			WithError(TransitionError{From: rec.Status, To: to}).
			Warn("facet index out of step with route table")
		if rec.Status == to {
			return
		}
	}

	x.generation++
	rec.Status = to
	rec.Generation = x.generation
	rec.LastChange = now
	if to == StatusActive {
		rec.Registrations++
		if rec.FirstAdded.IsZero() {
			rec.FirstAdded = now
		}
	}
}

// Get returns the record for m.
func (x *Index) Get(m diamond.ModuleID) (Record, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.records[m]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns every record sorted by module id.
func (x *Index) List() []Record {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Record, 0, len(x.records))
	for _, rec := range x.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module.Less(out[j].Module) })
	return out
}

// Active returns the ids of every active facet, sorted.
func (x *Index) Active() []diamond.ModuleID {
	var out []diamond.ModuleID
	for _, rec := range x.List() {
		if rec.Status.IsActive() {
			out = append(out, rec.Module)
		}
	}
	return out
}

// Generation returns the number of transitions recorded so far.
func (x *Index) Generation() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.generation
}
