package diamond

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/diamond/internal/logging"
)

var admin = util.Uint160{0xAD}

type hookLog struct {
	added   []ModuleID
	removed []ModuleID
}

func (h *hookLog) OnModuleAdded(m ModuleID)   { h.added = append(h.added, m) }
func (h *hookLog) OnModuleRemoved(m ModuleID) { h.removed = append(h.removed, m) }

type emitLog struct {
	batches [][]FacetCut
	inits   []*InitCall
}

func (e *emitLog) EmitCut(cuts []FacetCut, init *InitCall) {
	e.batches = append(e.batches, cuts)
	e.inits = append(e.inits, init)
}

type delegateCall struct {
	module  ModuleID
	entry   Selector
	payload []byte
}

type fakeDelegator struct {
	calls []delegateCall
	out   []byte
	err   error
}

func (f *fakeDelegator) DelegateCall(_ context.Context, module ModuleID, entry Selector, payload []byte) ([]byte, error) {
	f.calls = append(f.calls, delegateCall{module: module, entry: entry, payload: payload})
	return f.out, f.err
}

type failingPersister struct{ err error }

func (p failingPersister) SaveRoutes(context.Context, Snapshot) error { return p.err }

type fixture struct {
	d     *Diamond
	hooks *hookLog
	emit  *emitLog
	calls *fakeDelegator
}

func newFixture(t *testing.T, routes *RouteTable) *fixture {
	t.Helper()
	f := &fixture{hooks: &hookLog{}, emit: &emitLog{}, calls: &fakeDelegator{}}
	d, err := New(Config{
		Routes:     routes,
		Authorizer: AuthorizerFunc(func(c util.Uint160) bool { return c == admin }),
		Delegator:  f.calls,
		Hooks:      f.hooks,
		Emitter:    f.emit,
		Logger:     logging.NewDiscard(),
	})
	require.NoError(t, err)
	f.d = d
	return f
}

func (f *fixture) cut(cuts ...FacetCut) error {
	_, err := f.d.DiamondCut(context.Background(), admin, cuts, nil)
	return err
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Delegator: &fakeDelegator{}})
	assert.Error(t, err)
	_, err = New(Config{Authorizer: AuthorizerFunc(func(util.Uint160) bool { return true })})
	assert.Error(t, err)
}

func TestScenarioAddDropDeregister(t *testing.T) {
	f0, m1 := module(0xF0), module(1)
	s1, s2 := SelectorOf("s1"), SelectorOf("s2")
	f := newFixture(t, NewFrozenRouteTable(f0, nil))

	require.NoError(t, f.cut(FacetCut{Module: m1, Selectors: []Selector{s1, s2}}))
	got, ok := f.d.Lookup(s1)
	require.True(t, ok)
	assert.Equal(t, m1, got)
	got, ok = f.d.Lookup(s2)
	require.True(t, ok)
	assert.Equal(t, m1, got)
	sels, ok := f.d.SelectorsOf(m1)
	require.True(t, ok)
	assert.ElementsMatch(t, []Selector{s1, s2}, sels)

	require.NoError(t, f.cut(FacetCut{Module: m1, Selectors: []Selector{s1}}))
	_, ok = f.d.Lookup(s2)
	assert.False(t, ok)
	sels, _ = f.d.SelectorsOf(m1)
	assert.Equal(t, []Selector{s1}, sels)
	assert.Empty(t, f.hooks.removed)

	require.NoError(t, f.cut(FacetCut{Module: m1}))
	_, ok = f.d.Lookup(s1)
	assert.False(t, ok)
	_, ok = f.d.SelectorsOf(m1)
	assert.False(t, ok)
	assert.Equal(t, []ModuleID{m1}, f.hooks.removed)
	assert.Equal(t, []ModuleID{m1}, f.hooks.added)
	assert.Len(t, f.emit.batches, 3)
}

func TestImmutableFunction(t *testing.T) {
	f0 := module(0xF0)
	owner := SelectorOf("owner")

	for name, cut := range map[string]FacetCut{
		"remove":  {Module: f0},
		"rebind":  {Module: f0, Selectors: []Selector{owner}},
		"add":     {Module: f0, Selectors: []Selector{SelectorOf("new")}},
		"replace": {Module: f0, Selectors: []Selector{SelectorOf("other")}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, NewFrozenRouteTable(f0, []Selector{owner}))
			before := f.d.Snapshot()

			err := f.cut(FacetCut{Module: module(1), Selectors: []Selector{SelectorOf("x")}}, cut)
			assert.ErrorIs(t, err, ErrImmutableFunction)
			assert.Equal(t, before, f.d.Snapshot())
			assert.Empty(t, f.hooks.added)
			assert.Empty(t, f.emit.batches)
		})
	}
}

func TestReplaceExistingLeavesStateUnchanged(t *testing.T) {
	a, b := module(0xA), module(0xB)
	s := SelectorOf("s")
	f := newFixture(t, nil)
	require.NoError(t, f.cut(FacetCut{Module: a, Selectors: []Selector{s}}))
	before := f.d.Snapshot()

	err := f.cut(
		FacetCut{Module: module(0xC), Selectors: []Selector{SelectorOf("c")}},
		FacetCut{Module: b, Selectors: []Selector{SelectorOf("t"), s}},
	)
	var replace *ReplaceExistingError
	require.ErrorAs(t, err, &replace)
	assert.Equal(t, a, replace.Current)
	assert.Equal(t, s, replace.Selector)
	assert.ErrorIs(t, err, ErrReplaceExisting)

	got, _ := f.d.Lookup(s)
	assert.Equal(t, a, got)
	assert.Equal(t, before, f.d.Snapshot())
	assert.Equal(t, []ModuleID{a}, f.hooks.added, "hooks of an aborted batch must not fire")
	assert.Len(t, f.emit.batches, 1)
}

func TestFrozenSelectorCannotBeClaimed(t *testing.T) {
	f0 := module(0xF0)
	owner := SelectorOf("owner")
	f := newFixture(t, NewFrozenRouteTable(f0, []Selector{owner}))

	err := f.cut(FacetCut{Module: module(1), Selectors: []Selector{owner}})
	var replace *ReplaceExistingError
	require.ErrorAs(t, err, &replace)
	assert.Equal(t, f0, replace.Current)
}

func TestIdempotentRebind(t *testing.T) {
	m := module(1)
	s := SelectorOf("s")
	f := newFixture(t, nil)

	require.NoError(t, f.cut(FacetCut{Module: m, Selectors: []Selector{s}}))
	once := f.d.Snapshot()
	require.NoError(t, f.cut(FacetCut{Module: m, Selectors: []Selector{s}}))
	assert.Equal(t, once, f.d.Snapshot())
	assert.Len(t, f.hooks.added, 1)
}

func TestHookFiringCount(t *testing.T) {
	m := module(1)
	f := newFixture(t, nil)

	require.NoError(t, f.cut(FacetCut{Module: m, Selectors: []Selector{SelectorOf("a"), SelectorOf("b"), SelectorOf("c")}}))
	assert.Equal(t, []ModuleID{m}, f.hooks.added)

	require.NoError(t, f.cut(FacetCut{Module: m}))
	assert.Equal(t, []ModuleID{m}, f.hooks.removed)

	require.NoError(t, f.cut(FacetCut{Module: m}))
	assert.Len(t, f.hooks.removed, 1, "deregistering an unrouted facet is a no-op")
}

func TestMoveSelectorsWithinOneBatch(t *testing.T) {
	a, b := module(0xA), module(0xB)
	s1, s2 := SelectorOf("s1"), SelectorOf("s2")
	f := newFixture(t, nil)
	require.NoError(t, f.cut(FacetCut{Module: a, Selectors: []Selector{s1, s2}}))

	require.NoError(t, f.cut(FacetCut{Module: a}, FacetCut{Module: b, Selectors: []Selector{s1, s2}}))
	got, _ := f.d.Lookup(s1)
	assert.Equal(t, b, got)
	assert.Equal(t, []ModuleID{a, b}, f.hooks.added)
	assert.Equal(t, []ModuleID{a}, f.hooks.removed)
	assert.NoError(t, f.d.Verify())
}

func TestAddAndRemoveInSameBatchFiresBothHooks(t *testing.T) {
	m := module(1)
	f := newFixture(t, nil)

	require.NoError(t, f.cut(FacetCut{Module: m, Selectors: []Selector{SelectorOf("a")}}, FacetCut{Module: m}))
	assert.Equal(t, []ModuleID{m}, f.hooks.added)
	assert.Equal(t, []ModuleID{m}, f.hooks.removed)
	assert.Empty(t, f.d.Facets())
}

func TestUnauthorizedCallerChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.DiamondCut(context.Background(), util.Uint160{0x01}, []FacetCut{{Module: module(1), Selectors: []Selector{SelectorOf("a")}}}, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.d.Facets())
	assert.Empty(t, f.emit.batches)
}

func TestPersistFailureChangesNothing(t *testing.T) {
	boom := errors.New("disk full")
	d, err := New(Config{
		Authorizer: AuthorizerFunc(func(util.Uint160) bool { return true }),
		Delegator:  &fakeDelegator{},
		Persister:  failingPersister{err: boom},
		Logger:     logging.NewDiscard(),
	})
	require.NoError(t, err)

	_, err = d.DiamondCut(context.Background(), admin, []FacetCut{{Module: module(1), Selectors: []Selector{SelectorOf("a")}}}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, d.Facets())
}

func TestInitCallRunsAfterCommit(t *testing.T) {
	m := module(1)
	entry := SelectorOf("init")
	f := newFixture(t, nil)
	f.calls.out = []byte("ok")

	init := &InitCall{Module: m, Entry: entry, Payload: []byte(`{"supply":1}`)}
	out, err := f.d.DiamondCut(context.Background(), admin, []FacetCut{{Module: m, Selectors: []Selector{SelectorOf("a")}}}, init)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)

	require.Len(t, f.calls.calls, 1)
	assert.Equal(t, delegateCall{module: m, entry: entry, payload: []byte(`{"supply":1}`)}, f.calls.calls[0])
	require.Len(t, f.emit.inits, 1)
	assert.Same(t, init, f.emit.inits[0])
}

func TestInitCallFailureKeepsCommittedCuts(t *testing.T) {
	m := module(1)
	f := newFixture(t, nil)
	f.calls.err = errors.New("trap")

	_, err := f.d.DiamondCut(context.Background(), admin, []FacetCut{{Module: m, Selectors: []Selector{SelectorOf("a")}}}, &InitCall{Module: m, Entry: SelectorOf("init")})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, m, callErr.Module)
	assert.EqualError(t, callErr.Err, "trap")

	_, ok := f.d.SelectorsOf(m)
	assert.True(t, ok)
}

func TestDispatch(t *testing.T) {
	m := module(1)
	s := SelectorOf("balanceOf")
	f := newFixture(t, nil)
	require.NoError(t, f.cut(FacetCut{Module: m, Selectors: []Selector{s}}))

	t.Run("routed", func(t *testing.T) {
		f.calls.out, f.calls.err = []byte("42"), nil
		out, err := f.d.Dispatch(context.Background(), s, []byte("alice"))
		require.NoError(t, err)
		assert.Equal(t, []byte("42"), out)
		last := f.calls.calls[len(f.calls.calls)-1]
		assert.Equal(t, delegateCall{module: m, entry: s, payload: []byte("alice")}, last)
	})

	t.Run("unregistered", func(t *testing.T) {
		before := len(f.calls.calls)
		_, err := f.d.Dispatch(context.Background(), SelectorOf("missing"), nil)
		assert.ErrorIs(t, err, ErrUnregisteredFunction)
		assert.Len(t, f.calls.calls, before)
	})

	t.Run("delegate fails", func(t *testing.T) {
		cause := errors.New("module not deployed")
		f.calls.out, f.calls.err = nil, cause
		_, err := f.d.Dispatch(context.Background(), s, nil)
		var callErr *CallError
		require.ErrorAs(t, err, &callErr)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, s, callErr.Selector)
	})
}

type countingRecorder struct {
	cuts, cutErrs, dispatches int
	selectors, facets         int
}

func (r *countingRecorder) RecordCut(_ int, _ time.Duration, err error) {
	r.cuts++
	if err != nil {
		r.cutErrs++
	}
}
func (r *countingRecorder) RecordDispatch(Selector, time.Duration, error) { r.dispatches++ }
func (r *countingRecorder) RecordRoutes(selectors, facets int) {
	r.selectors, r.facets = selectors, facets
}

func TestRecorderObservesCutsAndDispatches(t *testing.T) {
	rec := &countingRecorder{}
	d, err := New(Config{
		Authorizer: AuthorizerFunc(func(c util.Uint160) bool { return c == admin }),
		Delegator:  &fakeDelegator{},
		Recorder:   rec,
		Logger:     logging.NewDiscard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d.DiamondCut(ctx, admin, []FacetCut{{Module: module(1), Selectors: []Selector{SelectorOf("a"), SelectorOf("b")}}}, nil)
	require.NoError(t, err)
	_, err = d.DiamondCut(ctx, util.Uint160{}, nil, nil)
	require.Error(t, err)
	_, _ = d.Dispatch(ctx, SelectorOf("a"), nil)

	assert.Equal(t, 2, rec.cuts)
	assert.Equal(t, 1, rec.cutErrs)
	assert.Equal(t, 1, rec.dispatches)
	assert.Equal(t, 2, rec.selectors)
	assert.Equal(t, 1, rec.facets)
}

func TestHookAdapters(t *testing.T) {
	var added, removed int
	h := MultiHooks{
		HookFuncs{Added: func(ModuleID) { added++ }},
		HookFuncs{Removed: func(ModuleID) { removed++ }},
		NoopHooks{},
	}
	h.OnModuleAdded(module(1))
	h.OnModuleRemoved(module(1))
	h.OnModuleRemoved(module(2))
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, removed)
}
