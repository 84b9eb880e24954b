package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// Memory is an in-process Store. It keeps nothing across restarts and is
// the default driver for development and tests.
type Memory struct {
	mu      sync.RWMutex
	routes  diamond.Snapshot
	state   map[string][]byte
	modules map[diamond.ModuleID]ModuleRecord
	owner   *OwnerRecord
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		routes:  diamond.Snapshot{Facets: []diamond.Facet{}},
		state:   make(map[string][]byte),
		modules: make(map[diamond.ModuleID]ModuleRecord),
	}
}

func (m *Memory) LoadRoutes(_ context.Context) (diamond.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySnapshot(m.routes), nil
}

func (m *Memory) SaveRoutes(_ context.Context, snap diamond.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = copySnapshot(snap)
	return nil
}

func (m *Memory) LoadState(_ context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.state))
	for k, v := range m.state {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) ApplyState(_ context.Context, delta StateDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range delta.Puts {
		m.state[k] = append([]byte(nil), v...)
	}
	for _, k := range delta.Deletes {
		delete(m.state, k)
	}
	return nil
}

func (m *Memory) LoadModules(_ context.Context) ([]ModuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModuleRecord, 0, len(m.modules))
	for _, rec := range m.modules {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (m *Memory) SaveModule(_ context.Context, rec ModuleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[rec.ID] = rec
	return nil
}

func (m *Memory) LoadOwner(_ context.Context) (*OwnerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.owner == nil {
		return nil, nil
	}
	rec := copyOwner(*m.owner)
	return &rec, nil
}

func (m *Memory) SaveOwner(_ context.Context, rec OwnerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyOwner(rec)
	m.owner = &cp
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func copySnapshot(snap diamond.Snapshot) diamond.Snapshot {
	out := diamond.Snapshot{Facets: make([]diamond.Facet, 0, len(snap.Facets))}
	if snap.Frozen != nil {
		frozen := *snap.Frozen
		out.Frozen = &frozen
	}
	for _, f := range sortedFacets(snap.Facets) {
		out.Facets = append(out.Facets, diamond.Facet{
			Module:    f.Module,
			Selectors: append([]diamond.Selector(nil), f.Selectors...),
		})
	}
	return out
}

func copyOwner(rec OwnerRecord) OwnerRecord {
	if rec.Owner == nil {
		return OwnerRecord{}
	}
	owner := *rec.Owner
	return OwnerRecord{Owner: &owner}
}
