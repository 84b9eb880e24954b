// Package httpapi exposes the diamond registry over HTTP.
//
// Live calls go through POST /v1/call. Owner-only operations (cuts, module
// deployment, ownership changes) must carry a Neo key signature over the
// method, path, timestamp, nonce and body in the X-Neo-* headers; the
// signer's script hash is the caller the registry authorizes. A signed
// request is accepted once, and only while its timestamp is fresh.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/audit"
	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/config"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/executor"
	"github.com/R3E-Network/diamond/internal/facets"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/metrics"
)

// Registry is the part of *diamond.Diamond the API serves.
type Registry interface {
	DiamondCut(ctx context.Context, caller util.Uint160, cuts []diamond.FacetCut, init *diamond.InitCall) ([]byte, error)
	Dispatch(ctx context.Context, selector diamond.Selector, payload []byte) ([]byte, error)
	Lookup(selector diamond.Selector) (diamond.ModuleID, bool)
	SelectorsOf(module diamond.ModuleID) ([]diamond.Selector, bool)
	Facets() []diamond.Facet
	Frozen() (diamond.ModuleID, bool)
	Snapshot() diamond.Snapshot
}

// ModuleHost is the part of *executor.Host the API serves.
type ModuleHost interface {
	Deploy(ctx context.Context, name, source string) (executor.ModuleInfo, error)
	Info(id diamond.ModuleID) (executor.ModuleInfo, bool)
	Modules() []executor.ModuleInfo
}

// Owner is the part of *auth.Ownable the API serves.
type Owner interface {
	Owner() (util.Uint160, bool)
	Authorize(caller util.Uint160) bool
	TransferOwnership(ctx context.Context, caller, newOwner util.Uint160) error
	RenounceOwnership(ctx context.Context, caller util.Uint160) error
}

// AuditStatus reports the most recent route table audit.
type AuditStatus interface {
	Last() (audit.Result, int)
}

// Deps are the components behind the API. Registry, Modules and Owner are
// required.
type Deps struct {
	Registry Registry
	Modules  ModuleHost
	Owner    Owner
	Facets   *facets.Index
	Events   events.EventLogger
	Metrics  *metrics.Collector
	Audit    AuditStatus
	Logger   *logging.Logger
}

// Server is the HTTP front end of the registry.
type Server struct {
	deps     Deps
	cfg      config.ServerConfig
	router   *mux.Router
	limiter  *RateLimiter
	verifier *auth.Verifier
	started  time.Time
	log      *logging.Logger
	srv      *http.Server
}

// New builds a Server and its routes.
func New(deps Deps, cfg config.ServerConfig) (*Server, error) {
	if deps.Registry == nil || deps.Modules == nil || deps.Owner == nil {
		return nil, errors.New("httpapi: registry, modules and owner are required")
	}
	if deps.Events == nil {
		deps.Events = events.NoOpLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefault("httpapi")
	}

	s := &Server{
		deps:     deps,
		cfg:      cfg,
		router:   mux.NewRouter(),
		verifier: auth.NewVerifier(cfg.SignatureWindow),
		started:  time.Now(),
		log:      deps.Logger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst, deps.Logger)
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestIDMiddleware, s.loggingMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()

	call := http.Handler(http.HandlerFunc(s.handleCall))
	if s.limiter != nil {
		call = s.limiter.Handler(call)
	}
	v1.Handle("/call", call).Methods(http.MethodPost)
	v1.HandleFunc("/cut", s.handleCut).Methods(http.MethodPost)

	v1.HandleFunc("/routes", s.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{selector}", s.handleRoute).Methods(http.MethodGet)
	v1.HandleFunc("/facets", s.handleFacets).Methods(http.MethodGet)
	v1.HandleFunc("/facets/{module}", s.handleFacet).Methods(http.MethodGet)

	v1.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)
	v1.HandleFunc("/modules", s.handleDeploy).Methods(http.MethodPost)
	v1.HandleFunc("/modules/{module}", s.handleModule).Methods(http.MethodGet)

	v1.HandleFunc("/owner", s.handleOwner).Methods(http.MethodGet)
	v1.HandleFunc("/owner/transfer", s.handleTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/owner/renounce", s.handleRenounce).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	if s.limiter != nil {
		s.limiter.StartCleanup(time.Minute)
	}
	s.log.WithField("addr", s.cfg.Addr).Info("http api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.StopCleanup()
	}
	return s.srv.Shutdown(ctx)
}
