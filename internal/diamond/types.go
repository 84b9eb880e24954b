// Package diamond implements an upgradeable function-dispatch registry.
//
// A Diamond routes calls, identified by a 4-byte selector, to independently
// deployed facets (modules) and lets an authorized owner reconfigure those
// routes with atomic batches of cuts. Selectors routed to the frozen facet
// can never be redirected or removed.
//
// The package is built from four parts:
//
//   - RouteTable: the selector <-> facet bijection plus the frozen facet.
//   - CutEngine: stages a batch of FacetCut operations on a copy of the table.
//   - Dispatcher: resolves a selector and performs the delegated call.
//   - Hooks: observers fired when a facet gains its first or loses its last route.
//
// Diamond ties them together with authorization, persistence, audit emission
// and metrics, all of which are supplied as interfaces.
package diamond

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"golang.org/x/crypto/blake2b"
)

// SelectorSize is the width of a function selector in bytes.
const SelectorSize = 4

// Selector identifies an entry point of a facet.
type Selector [SelectorSize]byte

// ModuleID identifies a deployed facet by its script hash.
type ModuleID = util.Uint160

// SelectorOf derives the selector of a named entry point: the first four
// bytes of BLAKE2b-256(name).
func SelectorOf(name string) Selector {
	sum := blake2b.Sum256([]byte(name))
	var s Selector
	copy(s[:], sum[:SelectorSize])
	return s
}

// ParseSelector parses the hex form of a selector, with or without 0x.
func ParseSelector(s string) (Selector, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(raw) != 2*SelectorSize {
		return Selector{}, fmt.Errorf("selector %q: want %d hex characters", s, 2*SelectorSize)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Selector{}, fmt.Errorf("selector %q: %w", s, err)
	}
	var sel Selector
	copy(sel[:], b)
	return sel, nil
}

// String returns the 0x-prefixed hex form.
func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseModuleID parses a little-endian script hash, with or without 0x.
func ParseModuleID(s string) (ModuleID, error) {
	id, err := util.Uint160DecodeStringLE(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return ModuleID{}, fmt.Errorf("module id %q: %w", s, err)
	}
	return id, nil
}

// FacetCut requests a change to the routes of one facet. An empty Selectors
// list deregisters the facet entirely.
type FacetCut struct {
	Module    ModuleID   `json:"module"`
	Selectors []Selector `json:"selectors"`
}

// InitCall is a one-shot delegated call performed after a batch commits.
type InitCall struct {
	Module  ModuleID `json:"module"`
	Entry   Selector `json:"entry"`
	Payload []byte   `json:"payload,omitempty"`
}

// Facet is one facet together with the selectors routed to it.
type Facet struct {
	Module    ModuleID   `json:"module"`
	Selectors []Selector `json:"selectors"`
}

// Snapshot is the persisted form of a RouteTable. The selector-to-facet
// direction is rebuilt from Facets on restore.
type Snapshot struct {
	Frozen *ModuleID `json:"frozen,omitempty"`
	Facets []Facet   `json:"facets"`
}
