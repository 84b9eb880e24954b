package runtime

import (
	"context"
	"encoding/json"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/executor"
	"github.com/R3E-Network/diamond/internal/facets"
)

// Version is reported by the core facet. It is set at link time.
var Version = "dev"

// CoreModuleID is the id of the built-in core facet, the one the registry
// freezes when it is first created.
var CoreModuleID = hash.Hash160([]byte("diamond.core"))

// newCoreModule builds the core facet. Its entries read only the owner and
// the lifecycle index, never the registry itself, because they run while the
// registry is dispatching.
func newCoreModule(owner *auth.Ownable, index *facets.Index) *executor.Native {
	return executor.NewNative(map[string]executor.EntryFunc{
		"owner": func(context.Context, executor.Storage, []byte) ([]byte, error) {
			acct, ok := owner.Owner()
			if !ok {
				return nil, nil
			}
			return []byte(auth.FormatAccount(acct)), nil
		},
		"version": func(context.Context, executor.Storage, []byte) ([]byte, error) {
			return []byte(Version), nil
		},
		"facetAddresses": func(context.Context, executor.Storage, []byte) ([]byte, error) {
			active := index.Active()
			out := make([]string, 0, len(active))
			for _, m := range active {
				out = append(out, events.ModuleHex(m))
			}
			return json.Marshal(out)
		},
	})
}

// coreTable is the route table of a fresh registry: every core entry routed
// to the frozen core facet.
func coreTable(core executor.Module) *diamond.RouteTable {
	return diamond.NewFrozenRouteTable(CoreModuleID, core.Selectors())
}
