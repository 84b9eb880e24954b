package diamond

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/logging"
)

// Authorizer decides whether caller may submit cuts.
type Authorizer interface {
	Authorize(caller util.Uint160) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(caller util.Uint160) bool

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(caller util.Uint160) bool { return f(caller) }

// RoutePersister durably stores a staged route table before it is committed.
type RoutePersister interface {
	SaveRoutes(ctx context.Context, snap Snapshot) error
}

// Recorder receives timing and outcome of cuts and dispatches.
type Recorder interface {
	RecordCut(cuts int, d time.Duration, err error)
	RecordDispatch(selector Selector, d time.Duration, err error)
	RecordRoutes(selectors, facets int)
}

// NoopRecorder discards all measurements.
type NoopRecorder struct{}

func (NoopRecorder) RecordCut(int, time.Duration, error)           {}
func (NoopRecorder) RecordDispatch(Selector, time.Duration, error) {}
func (NoopRecorder) RecordRoutes(int, int)                         {}

// Config wires a Diamond. Authorizer and Delegator are required.
type Config struct {
	// Routes is the initial table, typically restored from storage or seeded
	// with the frozen facet. Nil means an empty table without a frozen facet.
	Routes *RouteTable

	Authorizer Authorizer
	Delegator  Delegator
	Hooks      Hooks
	Emitter    CutEmitter
	Persister  RoutePersister
	Recorder   Recorder
	Logger     *logging.Logger
}

// Diamond is the registry: it owns the route table and serialises every cut
// and dispatch so each runs to completion before the next begins.
type Diamond struct {
	mu         sync.Mutex
	routes     *RouteTable
	auth       Authorizer
	dispatcher *Dispatcher
	hooks      Hooks
	emitter    CutEmitter
	persister  RoutePersister
	recorder   Recorder
	log        *logging.Logger
}

// New creates a Diamond from cfg.
func New(cfg Config) (*Diamond, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("diamond: authorizer is required")
	}
	if cfg.Delegator == nil {
		return nil, errors.New("diamond: delegator is required")
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRouteTable()
	}
	if err := cfg.Routes.Verify(); err != nil {
		return nil, fmt.Errorf("diamond: initial routes: %w", err)
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NoopHooks{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = NoopEmitter{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NoopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("diamond")
	}

	d := &Diamond{
		routes:     cfg.Routes,
		auth:       cfg.Authorizer,
		dispatcher: NewDispatcher(cfg.Delegator),
		hooks:      cfg.Hooks,
		emitter:    cfg.Emitter,
		persister:  cfg.Persister,
		recorder:   cfg.Recorder,
		log:        cfg.Logger,
	}
	d.recorder.RecordRoutes(d.routes.Len(), d.routes.FacetCount())
	return d, nil
}

// DiamondCut applies a batch of cuts on behalf of caller. The batch is all or
// nothing: on any error the route table is exactly as before the call.
//
// When init is set it runs after the batch has been persisted and committed,
// and its output becomes the result of the whole call. A failing init call is
// reported as *CallError; the committed cuts stay in place.
func (d *Diamond) DiamondCut(ctx context.Context, caller util.Uint160, cuts []FacetCut, init *InitCall) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	log := d.log.WithField("caller", caller.StringLE()).WithField("cuts", len(cuts))

	if !d.auth.Authorize(caller) {
		log.Warn("diamond cut rejected: unauthorized caller")
		d.recorder.RecordCut(len(cuts), time.Since(start), ErrUnauthorized)
		return nil, ErrUnauthorized
	}

	staged, transitions, err := StageCuts(d.routes, cuts)
	if err != nil {
		log.WithError(err).Warn("diamond cut rejected")
		d.recorder.RecordCut(len(cuts), time.Since(start), err)
		return nil, err
	}

	if d.persister != nil {
		if err := d.persister.SaveRoutes(ctx, staged.Snapshot()); err != nil {
			err = fmt.Errorf("diamond: persist routes: %w", err)
			log.WithError(err).Error("diamond cut not committed")
			d.recorder.RecordCut(len(cuts), time.Since(start), err)
			return nil, err
		}
	}
	d.routes = staged

	for _, tr := range transitions {
		switch tr.Kind {
		case FacetAdded:
			d.hooks.OnModuleAdded(tr.Module)
		case FacetRemoved:
			d.hooks.OnModuleRemoved(tr.Module)
		}
	}
	d.emitter.EmitCut(cuts, init)
	d.recorder.RecordCut(len(cuts), time.Since(start), nil)
	d.recorder.RecordRoutes(staged.Len(), staged.FacetCount())
	log.WithField("selectors", staged.Len()).WithField("facets", staged.FacetCount()).Info("diamond cut applied")

	if init == nil {
		return nil, nil
	}
	out, err := d.dispatcher.Init(ctx, *init)
	if err != nil {
		log.WithError(err).Error("diamond init call failed")
	}
	return out, err
}

// Dispatch forwards a live call to the facet routed for selector.
func (d *Diamond) Dispatch(ctx context.Context, selector Selector, payload []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	out, err := d.dispatcher.Dispatch(ctx, d.routes, selector, payload)
	d.recorder.RecordDispatch(selector, time.Since(start), err)
	if err != nil {
		d.log.WithField("selector", selector.String()).WithError(err).Debug("dispatch failed")
	}
	return out, err
}

// Lookup returns the facet routed for selector.
func (d *Diamond) Lookup(selector Selector) (ModuleID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.Lookup(selector)
}

// SelectorsOf returns the selectors routed to module.
func (d *Diamond) SelectorsOf(module ModuleID) ([]Selector, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.SelectorsOf(module)
}

// Facets lists every routed facet.
func (d *Diamond) Facets() []Facet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.Facets()
}

// Frozen returns the frozen facet, if any.
func (d *Diamond) Frozen() (ModuleID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.Frozen()
}

// Snapshot returns the persisted form of the current routes.
func (d *Diamond) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.Snapshot()
}

// Verify checks the route table invariant.
func (d *Diamond) Verify() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes.Verify()
}
