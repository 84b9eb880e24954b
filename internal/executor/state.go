package executor

import (
	"sort"
	"sync"

	"github.com/R3E-Network/diamond/internal/storage"
)

// Storage is the key/value view a facet sees during a delegated call. It is
// always the registry's own storage, never the facet's.
type Storage interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte)
	Delete(key string)
}

// State is the registry's committed facet storage.
type State struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewState creates a state seeded with initial, which is copied.
func NewState(initial map[string][]byte) *State {
	s := &State{data: make(map[string][]byte, len(initial))}
	for k, v := range initial {
		s.data[k] = append([]byte(nil), v...)
	}
	return s
}

// Get returns a copy of the committed value for key.
func (s *State) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Keys returns every committed key, sorted.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of committed keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *State) apply(delta storage.StateDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta.Puts {
		s.data[k] = v
	}
	for _, k := range delta.Deletes {
		delete(s.data, k)
	}
}

// overlay buffers the writes of one delegated call on top of State. Nothing
// reaches State unless the call succeeds.
type overlay struct {
	base    *State
	puts    map[string][]byte
	deletes map[string]struct{}
}

func newOverlay(base *State) *overlay {
	return &overlay{
		base:    base,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *overlay) Get(key string) ([]byte, bool) {
	if v, ok := o.puts[key]; ok {
		return append([]byte(nil), v...), true
	}
	if _, gone := o.deletes[key]; gone {
		return nil, false
	}
	return o.base.Get(key)
}

func (o *overlay) Put(key string, value []byte) {
	delete(o.deletes, key)
	o.puts[key] = append([]byte(nil), value...)
}

func (o *overlay) Delete(key string) {
	delete(o.puts, key)
	o.deletes[key] = struct{}{}
}

func (o *overlay) delta() storage.StateDelta {
	d := storage.StateDelta{Puts: o.puts}
	for k := range o.deletes {
		d.Deletes = append(d.Deletes, k)
	}
	sort.Strings(d.Deletes)
	return d
}
