// Package runtime wires the registry daemon: storage, the module host, the
// owner, the registry itself, its observers, the audit schedule and the HTTP
// API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/audit"
	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/config"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/executor"
	"github.com/R3E-Network/diamond/internal/facets"
	"github.com/R3E-Network/diamond/internal/httpapi"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/metrics"
	"github.com/R3E-Network/diamond/internal/storage"
)

// Application owns every long-lived component of the daemon.
type Application struct {
	cfg      *config.Config
	log      *logging.Logger
	store    storage.Store
	host     *executor.Host
	owner    *auth.Ownable
	registry *diamond.Diamond
	index    *facets.Index
	events   *events.RingBuffer
	metrics  *metrics.Collector
	auditor  *audit.Auditor
	server   *httpapi.Server
}

// NewApplication opens the configured store and builds the application on
// top of it.
func NewApplication(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app, err := NewWithStore(ctx, cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

// NewWithStore builds the application on an already open store, restoring
// routes, facet storage, deployed modules and the owner from it. A store
// that holds no routes yet is seeded with the frozen core facet.
func NewWithStore(ctx context.Context, cfg *config.Config, store storage.Store, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.New(cfg.Logging)
	}
	a := &Application{
		cfg:     cfg,
		log:     log,
		store:   store,
		events:  events.NewRingBuffer(cfg.Events.BufferSize),
		metrics: metrics.NewCollector(cfg.Registry.Namespace),
		index:   facets.NewIndex(log.Component("facets")),
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load facet storage: %w", err)
	}
	a.host = executor.NewHost(executor.Options{
		State:     executor.NewState(state),
		Persister: store,
		Modules:   store,
		Recorder:  a.metrics,
		Timeout:   cfg.Executor.Timeout,
		Logger:    log.Component("executor"),
	})

	if err := a.restoreOwner(ctx); err != nil {
		return nil, err
	}

	core := newCoreModule(a.owner, a.index)
	if err := a.host.Register(CoreModuleID, "core", core); err != nil {
		return nil, err
	}
	if err := a.restoreModules(ctx); err != nil {
		return nil, err
	}

	routes, err := a.restoreRoutes(ctx, core)
	if err != nil {
		return nil, err
	}
	a.index.Seed(routes.Facets())

	a.registry, err = diamond.New(diamond.Config{
		Routes:     routes,
		Authorizer: a.owner,
		Delegator:  a.host,
		Hooks:      diamond.MultiHooks{a.index, events.HookRecorder{Log: a.events}},
		Emitter:    events.CutRecorder{Log: a.events},
		Persister:  store,
		Recorder:   a.metrics,
		Logger:     log.Component("diamond"),
	})
	if err != nil {
		return nil, err
	}

	deps := httpapi.Deps{
		Registry: a.registry,
		Modules:  a.host,
		Owner:    a.owner,
		Facets:   a.index,
		Events:   a.events,
		Metrics:  a.metrics,
		Logger:   log.Component("httpapi"),
	}
	if cfg.Audit.Enabled {
		a.auditor = audit.New(a.registry, a.metrics, a.events, log.Component("audit"))
		deps.Audit = a.auditor
	}
	a.server, err = httpapi.New(deps, cfg.Server)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Application) restoreOwner(ctx context.Context) error {
	rec, err := a.store.LoadOwner(ctx)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}

	var owner *util.Uint160
	switch {
	case rec != nil:
		owner = rec.Owner
	case a.cfg.Registry.Owner != "":
		acct, err := auth.ParseAccount(a.cfg.Registry.Owner)
		if err != nil {
			return fmt.Errorf("registry owner: %w", err)
		}
		if err := a.store.SaveOwner(ctx, storage.OwnerRecord{Owner: &acct}); err != nil {
			return fmt.Errorf("save owner: %w", err)
		}
		owner = &acct
	}
	if owner == nil {
		a.log.Warn("registry has no owner, cuts are disabled")
	}

	a.owner = auth.NewOwnable(owner, a.store, a.events)
	a.owner.SetLogger(a.log.Component("auth"))
	return nil
}

func (a *Application) restoreModules(ctx context.Context) error {
	records, err := a.store.LoadModules(ctx)
	if err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	if err := a.host.Restore(records); err != nil {
		return err
	}
	if dir := a.cfg.Executor.ScriptDir; dir != "" {
		infos, err := a.host.LoadDir(ctx, dir)
		if err != nil {
			return err
		}
		a.log.WithField("dir", dir).WithField("modules", len(infos)).Info("script modules loaded")
	}
	return nil
}

func (a *Application) restoreRoutes(ctx context.Context, core executor.Module) (*diamond.RouteTable, error) {
	snap, err := a.store.LoadRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	if snap.Frozen == nil && len(snap.Facets) == 0 {
		table := coreTable(core)
		if err := a.store.SaveRoutes(ctx, table.Snapshot()); err != nil {
			return nil, fmt.Errorf("seed routes: %w", err)
		}
		a.log.WithField("core", events.ModuleHex(CoreModuleID)).Info("new registry seeded with the core facet")
		return table, nil
	}
	table, err := diamond.RestoreRouteTable(snap)
	if err != nil {
		return nil, fmt.Errorf("restore routes: %w", err)
	}
	return table, nil
}

// Registry returns the diamond registry.
func (a *Application) Registry() *diamond.Diamond { return a.registry }

// Host returns the module host.
func (a *Application) Host() *executor.Host { return a.host }

// Owner returns the registry owner.
func (a *Application) Owner() *auth.Ownable { return a.owner }

// Events returns the audit event buffer.
func (a *Application) Events() *events.RingBuffer { return a.events }

// Handler returns the HTTP API handler.
func (a *Application) Handler() http.Handler { return a.server.Handler() }

// Run starts the audit schedule and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if a.auditor != nil {
		if err := a.auditor.RunOnce(); err != nil {
			a.log.WithError(err).Error("route table failed its startup audit")
		}
		if err := a.auditor.Start(a.cfg.Audit.Schedule); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server and the audit schedule, then closes the
// store.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if a.auditor != nil {
		if err := a.auditor.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("error closing storage")
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}
