package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// Module kinds reported by Module.Kind.
const (
	KindScript = "script"
	KindNative = "native"
)

// Module is deployed facet code the Host can run.
type Module interface {
	// Kind reports how the module is implemented.
	Kind() string
	// Selectors lists the entry points the module exports. A nil result
	// means the module accepts any selector.
	Selectors() []diamond.Selector
	// Call runs entry against st. payload is passed through untouched.
	Call(ctx context.Context, st Storage, entry diamond.Selector, payload []byte) ([]byte, error)
}

// ModuleFunc adapts a single function to a Module that accepts every
// selector.
type ModuleFunc func(ctx context.Context, st Storage, entry diamond.Selector, payload []byte) ([]byte, error)

func (f ModuleFunc) Kind() string                  { return KindNative }
func (f ModuleFunc) Selectors() []diamond.Selector { return nil }

// Call implements Module.
func (f ModuleFunc) Call(ctx context.Context, st Storage, entry diamond.Selector, payload []byte) ([]byte, error) {
	return f(ctx, st, entry, payload)
}

// EntryFunc is one entry point of a Native module.
type EntryFunc func(ctx context.Context, st Storage, payload []byte) ([]byte, error)

// Native is a Go module with named entry points. Each entry's selector is
// diamond.SelectorOf(name).
type Native struct {
	names   map[diamond.Selector]string
	entries map[diamond.Selector]EntryFunc
}

// NewNative builds a Native module from named entry points.
func NewNative(entries map[string]EntryFunc) *Native {
	n := &Native{
		names:   make(map[diamond.Selector]string, len(entries)),
		entries: make(map[diamond.Selector]EntryFunc, len(entries)),
	}
	for name, fn := range entries {
		sel := diamond.SelectorOf(name)
		n.names[sel] = name
		n.entries[sel] = fn
	}
	return n
}

func (n *Native) Kind() string { return KindNative }

// Selectors implements Module.
func (n *Native) Selectors() []diamond.Selector {
	return sortedSelectors(n.entries)
}

// Call implements Module.
func (n *Native) Call(ctx context.Context, st Storage, entry diamond.Selector, payload []byte) ([]byte, error) {
	fn, ok := n.entries[entry]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	}
	return fn(ctx, st, payload)
}

// EntryName returns the name an entry point was declared with.
func (n *Native) EntryName(sel diamond.Selector) (string, bool) {
	name, ok := n.names[sel]
	return name, ok
}

func sortedSelectors[V any](m map[diamond.Selector]V) []diamond.Selector {
	out := make([]diamond.Selector, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := range out[i] {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}
