package diamond

import (
	"context"
	"fmt"
)

// Delegator runs a facet's code against the registry's own storage. entry is
// the selector being invoked and payload is forwarded unchanged.
type Delegator interface {
	DelegateCall(ctx context.Context, module ModuleID, entry Selector, payload []byte) ([]byte, error)
}

// DelegatorFunc adapts a function to Delegator.
type DelegatorFunc func(ctx context.Context, module ModuleID, entry Selector, payload []byte) ([]byte, error)

// DelegateCall implements Delegator.
func (f DelegatorFunc) DelegateCall(ctx context.Context, module ModuleID, entry Selector, payload []byte) ([]byte, error) {
	return f(ctx, module, entry, payload)
}

// Dispatcher forwards live calls to the facet routed for their selector. It
// keeps no state between calls.
type Dispatcher struct {
	delegator Delegator
}

// NewDispatcher creates a dispatcher backed by the given delegator.
func NewDispatcher(d Delegator) *Dispatcher {
	return &Dispatcher{delegator: d}
}

// Dispatch resolves selector in routes and performs the delegated call. It is
// a tail call: on success the facet's output is the call's result and the
// caller must do nothing further with the registry.
func (d *Dispatcher) Dispatch(ctx context.Context, routes *RouteTable, selector Selector, payload []byte) ([]byte, error) {
	module, ok := routes.Lookup(selector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredFunction, selector)
	}
	return d.call(ctx, module, selector, payload)
}

// Init performs the one-shot initialization call of a committed batch.
func (d *Dispatcher) Init(ctx context.Context, init InitCall) ([]byte, error) {
	return d.call(ctx, init.Module, init.Entry, init.Payload)
}

func (d *Dispatcher) call(ctx context.Context, module ModuleID, entry Selector, payload []byte) ([]byte, error) {
	out, err := d.delegator.DelegateCall(ctx, module, entry, payload)
	if err != nil {
		return nil, &CallError{Module: module, Selector: entry, Err: err}
	}
	return out, nil
}
