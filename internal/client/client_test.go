package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/diamond/internal/config"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/runtime"
	"github.com/R3E-Network/diamond/internal/storage"
)

const greeter = `
function greet(name) {
	return "hello " + (name || "world");
}
`

func newRegistry(t *testing.T) (*httptest.Server, *keys.PrivateKey) {
	t.Helper()
	key, err := keys.NewPrivateKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Registry.Owner = key.Address()
	cfg.Registry.Namespace = "client_test"
	cfg.Audit.Enabled = false
	cfg.Server.RateLimit = 0

	app, err := runtime.NewWithStore(context.Background(), cfg, storage.NewMemory(), logging.NewDiscard())
	require.NoError(t, err)
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)
	return ts, key
}

func TestClientRoundTrip(t *testing.T) {
	ts, key := newRegistry(t)
	c := New(Config{BaseURL: ts.URL, Key: key})
	ctx := context.Background()

	info, err := c.Deploy(ctx, "greeter", greeter)
	require.NoError(t, err)
	assert.Equal(t, "greeter", info.Name)

	greet := diamond.SelectorOf("greet")
	res, err := c.Cut(ctx, []diamond.FacetCut{{Module: info.ID, Selectors: []diamond.Selector{greet}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Facets)

	out, err := c.Call(ctx, greet, []byte("neo"))
	require.NoError(t, err)
	assert.Equal(t, "hello neo", string(out))

	module, err := c.Route(ctx, greet)
	require.NoError(t, err)
	assert.Equal(t, info.ID, module)

	list, err := c.Facets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	mods, err := c.Modules(ctx)
	require.NoError(t, err)
	assert.Len(t, mods, 2)

	evts, err := c.Events(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.EventCutApplied, evts[0].Type)

	owner, err := c.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), owner.Owner)
}

func TestClientOwnership(t *testing.T) {
	ts, key := newRegistry(t)
	ctx := context.Background()
	next, err := keys.NewPrivateKey()
	require.NoError(t, err)

	owner, err := New(Config{BaseURL: ts.URL, Key: key}).TransferOwnership(ctx, next.GetScriptHash())
	require.NoError(t, err)
	assert.Equal(t, next.Address(), owner.Owner)

	_, err = New(Config{BaseURL: ts.URL, Key: key}).RenounceOwnership(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	owner, err = New(Config{BaseURL: ts.URL, Key: next}).RenounceOwnership(ctx)
	require.NoError(t, err)
	assert.True(t, owner.Renounced)
}

func TestClientErrors(t *testing.T) {
	ts, _ := newRegistry(t)
	c := New(Config{BaseURL: ts.URL})
	ctx := context.Background()

	_, err := c.Deploy(ctx, "x", greeter)
	assert.True(t, errors.Is(err, ErrNoKey))

	_, err = c.Call(ctx, diamond.SelectorOf("missing"), nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not registered")
}

func TestClientRetriesReads(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"owner":"","renounced":true}`))
	}))
	defer ts.Close()

	owner, err := New(Config{BaseURL: ts.URL}).Owner(context.Background())
	require.NoError(t, err)
	assert.True(t, owner.Renounced)
	assert.Equal(t, int32(2), hits.Load())

	hits.Store(0)
	_, err = New(Config{BaseURL: ts.URL}).Call(context.Background(), diamond.SelectorOf("x"), nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}
