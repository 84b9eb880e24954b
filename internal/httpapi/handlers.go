package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/diamond/internal/auth"
	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/events"
	"github.com/R3E-Network/diamond/internal/executor"
	"github.com/R3E-Network/diamond/internal/facets"
)

// maxBodySize bounds every request body. Script deployments are the largest.
const maxBodySize = executor.MaxScriptSize + 64<<10

type callResponse struct {
	Result []byte `json:"result"`
}

// handleCall dispatches {"selector":"0x..","payload":"<base64>"}. A function
// name may be given instead of the selector as {"function":"name"}.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errors.New("request body is not valid JSON"))
		return
	}

	fields := gjson.GetManyBytes(body, "selector", "function", "payload")
	var sel diamond.Selector
	switch {
	case fields[0].Exists():
		sel, err = diamond.ParseSelector(fields[0].String())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	case fields[1].Type == gjson.String && fields[1].Str != "":
		sel = diamond.SelectorOf(fields[1].Str)
	default:
		writeError(w, http.StatusBadRequest, errors.New("selector or function is required"))
		return
	}

	var payload []byte
	switch fields[2].Type {
	case gjson.Null:
	case gjson.String:
		payload, err = base64.StdEncoding.DecodeString(fields[2].Str)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("payload: %w", err))
			return
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("payload must be a base64 string"))
		return
	}

	out, err := s.deps.Registry.Dispatch(r.Context(), sel, payload)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Result: out})
}

type cutRequest struct {
	Cuts []diamond.FacetCut `json:"cuts"`
	Init *diamond.InitCall  `json:"init,omitempty"`
}

type cutResponse struct {
	Applied   int    `json:"applied"`
	Selectors int    `json:"selectors"`
	Facets    int    `json:"facets"`
	Result    []byte `json:"result,omitempty"`
}

func (s *Server) handleCut(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.signedBody(w, r)
	if !ok {
		return
	}
	var req cutRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Cuts) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one cut is required"))
		return
	}

	out, err := s.deps.Registry.DiamondCut(r.Context(), caller, req.Cuts, req.Init)
	if err != nil {
		kind, msg := events.EventCutRejected, "diamond cut rejected"
		var callErr *diamond.CallError
		if errors.As(err, &callErr) {
			kind, msg = events.EventInitFailed, "diamond init call failed"
		}
		b := events.NewEvent(kind).Caller(caller).Cuts(req.Cuts).Message(msg).ErrorFrom(err)
		if req.Init != nil {
			b.Module(req.Init.Module)
		}
		b.LogToWithContext(r.Context(), s.deps.Events)
		fail(w, err)
		return
	}

	snap := s.deps.Registry.Snapshot()
	selectors := 0
	for _, f := range snap.Facets {
		selectors += len(f.Selectors)
	}
	writeJSON(w, http.StatusOK, cutResponse{
		Applied:   len(req.Cuts),
		Selectors: selectors,
		Facets:    len(snap.Facets),
		Result:    out,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

type routeResponse struct {
	Selector diamond.Selector `json:"selector"`
	Module   diamond.ModuleID `json:"module"`
	Frozen   bool             `json:"frozen"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	sel, err := diamond.ParseSelector(mux.Vars(r)["selector"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	module, ok := s.deps.Registry.Lookup(sel)
	if !ok {
		fail(w, fmt.Errorf("%w: %s", diamond.ErrUnregisteredFunction, sel))
		return
	}
	frozen, isFrozen := s.deps.Registry.Frozen()
	writeJSON(w, http.StatusOK, routeResponse{
		Selector: sel,
		Module:   module,
		Frozen:   isFrozen && frozen == module,
	})
}

type facetView struct {
	Module    diamond.ModuleID   `json:"module"`
	Name      string             `json:"name,omitempty"`
	Kind      string             `json:"kind,omitempty"`
	Frozen    bool               `json:"frozen"`
	Selectors []diamond.Selector `json:"selectors"`
	Lifecycle *facets.Record     `json:"lifecycle,omitempty"`
}

func (s *Server) describeFacet(module diamond.ModuleID, selectors []diamond.Selector) facetView {
	v := facetView{Module: module, Selectors: selectors}
	if v.Selectors == nil {
		v.Selectors = []diamond.Selector{}
	}
	if frozen, ok := s.deps.Registry.Frozen(); ok && frozen == module {
		v.Frozen = true
	}
	if info, ok := s.deps.Modules.Info(module); ok {
		v.Name, v.Kind = info.Name, info.Kind
	}
	if s.deps.Facets != nil {
		if rec, ok := s.deps.Facets.Get(module); ok {
			v.Lifecycle = &rec
		}
	}
	return v
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Registry.Facets()
	out := make([]facetView, 0, len(list))
	for _, f := range list {
		out = append(out, s.describeFacet(f.Module, f.Selectors))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFacet also answers for deregistered facets the lifecycle index still
// remembers; their selector list is empty.
func (s *Server) handleFacet(w http.ResponseWriter, r *http.Request) {
	module, err := diamond.ParseModuleID(mux.Vars(r)["module"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	selectors, ok := s.deps.Registry.SelectorsOf(module)
	if !ok && s.deps.Facets != nil {
		_, ok = s.deps.Facets.Get(module)
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("facet 0x%s is not registered", module.StringLE()))
		return
	}
	writeJSON(w, http.StatusOK, s.describeFacet(module, selectors))
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Modules.Modules())
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	id, err := diamond.ParseModuleID(mux.Vars(r)["module"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	info, ok := s.deps.Modules.Info(id)
	if !ok {
		fail(w, fmt.Errorf("%w: 0x%s", executor.ErrModuleNotFound, id.StringLE()))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type deployRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// handleDeploy compiles and registers a script module. Only the owner may
// deploy. Deploying does not route anything; a cut does that.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.signedBody(w, r)
	if !ok {
		return
	}
	if !s.deps.Owner.Authorize(caller) {
		fail(w, auth.ErrCallerIsNotOwner)
		return
	}
	var req deployRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, errors.New("name and source are required"))
		return
	}

	info, err := s.deps.Modules.Deploy(r.Context(), req.Name, req.Source)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type ownerResponse struct {
	Owner      string            `json:"owner,omitempty"`
	ScriptHash *diamond.ModuleID `json:"script_hash,omitempty"`
	Renounced  bool              `json:"renounced"`
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.deps.Owner.Owner()
	if !ok {
		writeJSON(w, http.StatusOK, ownerResponse{Renounced: true})
		return
	}
	writeJSON(w, http.StatusOK, ownerResponse{Owner: auth.FormatAccount(owner), ScriptHash: &owner})
}

type transferRequest struct {
	NewOwner string `json:"new_owner"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	body, caller, ok := s.signedBody(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next, err := auth.ParseAccount(req.NewOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Owner.TransferOwnership(r.Context(), caller, next); err != nil {
		fail(w, err)
		return
	}
	s.handleOwner(w, r)
}

func (s *Server) handleRenounce(w http.ResponseWriter, r *http.Request) {
	_, caller, ok := s.signedBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Owner.RenounceOwnership(r.Context(), caller); err != nil {
		fail(w, err)
		return
	}
	s.handleOwner(w, r)
}

// signedBody reads the body and verifies its signature headers. On failure
// the response has been written.
func (s *Server) signedBody(w http.ResponseWriter, r *http.Request) ([]byte, util.Uint160, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, util.Uint160{}, false
	}
	caller, err := s.verifier.VerifyRequest(r, body)
	if err != nil {
		s.log.WithField("path", r.URL.Path).WithError(err).Warn("signature rejected")
		fail(w, err)
		return nil, util.Uint160{}, false
	}
	return body, caller, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func decodeJSON(body []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	var callErr *diamond.CallError
	switch {
	case errors.Is(err, auth.ErrMissingSignature), errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrStaleSignature), errors.Is(err, auth.ErrReplayedSignature):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrReplayCacheFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, diamond.ErrUnauthorized), errors.Is(err, auth.ErrCallerIsNotOwner):
		return http.StatusForbidden
	case errors.Is(err, diamond.ErrImmutableFunction), errors.Is(err, diamond.ErrReplaceExisting):
		return http.StatusConflict
	case errors.Is(err, diamond.ErrUnregisteredFunction):
		return http.StatusNotFound
	case errors.As(err, &callErr):
		return http.StatusBadGateway
	case errors.Is(err, executor.ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrInvalidScript), errors.Is(err, auth.ErrNewOwnerIsZero):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
