// Package executor runs facet code on behalf of the diamond registry. The
// Host keeps the deployed modules and the registry's facet storage, and
// implements diamond.Delegator: every delegated call runs against a write
// overlay that only reaches storage when the call succeeds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"

	"github.com/R3E-Network/diamond/internal/diamond"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/storage"
)

var (
	// ErrModuleNotFound is returned when a delegated call targets a module
	// the host does not know.
	ErrModuleNotFound = errors.New("executor: module not found")

	// ErrModuleExists is returned when registering an id twice.
	ErrModuleExists = errors.New("executor: module already registered")

	// ErrEntryNotFound is returned when a module does not export a selector.
	ErrEntryNotFound = errors.New("executor: entry point not found")

	// ErrInterrupted is returned when a script is stopped by its deadline.
	ErrInterrupted = errors.New("executor: execution interrupted")

	// ErrInvalidScript is returned when a script cannot be compiled or loaded.
	ErrInvalidScript = errors.New("executor: invalid script")
)

// DefaultTimeout bounds a single delegated call.
const DefaultTimeout = 5 * time.Second

// StatePersister durably applies the writes of a successful call.
type StatePersister interface {
	ApplyState(ctx context.Context, delta storage.StateDelta) error
}

// ModuleStore durably records deployed scripts.
type ModuleStore interface {
	SaveModule(ctx context.Context, rec storage.ModuleRecord) error
}

// ExecutionRecorder observes delegated executions.
type ExecutionRecorder interface {
	RecordExecution(kind string, d time.Duration, err error)
}

// Config holds the executor settings exposed to operators.
type Config struct {
	Timeout   time.Duration `yaml:"timeout" env:"DIAMOND_EXEC_TIMEOUT"`
	ScriptDir string        `yaml:"script_dir" env:"DIAMOND_SCRIPT_DIR"`
}

// Options wires a Host. Every field is optional.
type Options struct {
	State     *State
	Persister StatePersister
	Modules   ModuleStore
	Recorder  ExecutionRecorder
	Timeout   time.Duration
	Logger    *logging.Logger
}

// EntryInfo names one exported entry point.
type EntryInfo struct {
	Name     string           `json:"name,omitempty"`
	Selector diamond.Selector `json:"selector"`
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	ID      diamond.ModuleID `json:"id"`
	Name    string           `json:"name"`
	Kind    string           `json:"kind"`
	Entries []EntryInfo      `json:"entries,omitempty"`
}

type registered struct {
	name   string
	module Module
}

// Host is the module registry and delegated-call runtime.
type Host struct {
	mu        sync.RWMutex
	modules   map[diamond.ModuleID]registered
	state     *State
	persister StatePersister
	store     ModuleStore
	recorder  ExecutionRecorder
	timeout   time.Duration
	log       *logging.Logger
}

var _ diamond.Delegator = (*Host)(nil)

// NewHost creates a Host from opts.
func NewHost(opts Options) *Host {
	if opts.State == nil {
		opts.State = NewState(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault("executor")
	}
	return &Host{
		modules:   make(map[diamond.ModuleID]registered),
		state:     opts.State,
		persister: opts.Persister,
		store:     opts.Modules,
		recorder:  opts.Recorder,
		timeout:   opts.Timeout,
		log:       opts.Logger,
	}
}

// State returns the committed facet storage.
func (h *Host) State() *State {
	return h.state
}

// Register adds a module under id.
func (h *Host) Register(id diamond.ModuleID, name string, m Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.modules[id]; ok {
		return fmt.Errorf("%w: 0x%s", ErrModuleExists, id.StringLE())
	}
	if s, ok := m.(*Script); ok {
		s.log = h.log
	}
	h.modules[id] = registered{name: name, module: m}
	h.log.WithField("module", "0x"+id.StringLE()).WithField("name", name).WithField("kind", m.Kind()).Info("module registered")
	return nil
}

// ModuleIDOf returns the id a script source deploys under.
func ModuleIDOf(source string) diamond.ModuleID {
	return hash.Hash160([]byte(source))
}

// Deploy compiles source and registers it under the Hash160 of the source.
// Deploying the same source twice returns the existing module. The record is
// persisted before the module becomes callable.
func (h *Host) Deploy(ctx context.Context, name, source string) (ModuleInfo, error) {
	id := ModuleIDOf(source)
	if info, ok := h.Info(id); ok {
		return info, nil
	}

	script, err := CompileScript(name, source)
	if err != nil {
		return ModuleInfo{}, err
	}
	if h.store != nil {
		if err := h.store.SaveModule(ctx, storage.ModuleRecord{ID: id, Name: name, Source: source}); err != nil {
			return ModuleInfo{}, fmt.Errorf("executor: persist module %s: %w", name, err)
		}
	}
	if err := h.Register(id, name, script); err != nil && !errors.Is(err, ErrModuleExists) {
		return ModuleInfo{}, err
	}
	info, _ := h.Info(id)
	return info, nil
}

// Restore registers previously persisted scripts without saving them again.
func (h *Host) Restore(records []storage.ModuleRecord) error {
	for _, rec := range records {
		if got := ModuleIDOf(rec.Source); got != rec.ID {
			return fmt.Errorf("executor: module %s: stored id 0x%s does not match source hash 0x%s",
				rec.Name, rec.ID.StringLE(), got.StringLE())
		}
		script, err := CompileScript(rec.Name, rec.Source)
		if err != nil {
			return err
		}
		if err := h.Register(rec.ID, rec.Name, script); err != nil && !errors.Is(err, ErrModuleExists) {
			return err
		}
	}
	return nil
}

// LoadDir deploys every *.js file in dir, in name order. The file name
// without extension becomes the module name.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]ModuleInfo, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return nil, fmt.Errorf("executor: scan %s: %w", dir, err)
	}
	sort.Strings(paths)

	out := make([]ModuleInfo, 0, len(paths))
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("executor: read %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		info, err := h.Deploy(ctx, name, string(src))
		if err != nil {
			return out, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Info describes the module registered under id.
func (h *Host) Info(id diamond.ModuleID) (ModuleInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reg, ok := h.modules[id]
	if !ok {
		return ModuleInfo{}, false
	}
	return describe(id, reg), true
}

// Modules lists every registered module ordered by id.
func (h *Host) Modules() []ModuleInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(h.modules))
	for id, reg := range h.modules {
		out = append(out, describe(id, reg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func describe(id diamond.ModuleID, reg registered) ModuleInfo {
	info := ModuleInfo{ID: id, Name: reg.name, Kind: reg.module.Kind()}
	named, _ := reg.module.(interface {
		EntryName(diamond.Selector) (string, bool)
	})
	for _, sel := range reg.module.Selectors() {
		e := EntryInfo{Selector: sel}
		if named != nil {
			e.Name, _ = named.EntryName(sel)
		}
		info.Entries = append(info.Entries, e)
	}
	return info
}

// DelegateCall implements diamond.Delegator. The module runs against an
// overlay of the committed state; on success the overlay is persisted and
// then committed, on failure it is dropped. The execution timeout bounds the
// module only; persisting runs under ctx.
func (h *Host) DelegateCall(ctx context.Context, module diamond.ModuleID, entry diamond.Selector, payload []byte) ([]byte, error) {
	h.mu.RLock()
	reg, ok := h.modules[module]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%s", ErrModuleNotFound, module.StringLE())
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	ov := newOverlay(h.state)
	out, err := reg.module.Call(callCtx, ov, entry, payload)
	if h.recorder != nil {
		h.recorder.RecordExecution(reg.module.Kind(), time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}

	delta := ov.delta()
	if delta.Empty() {
		return out, nil
	}
	if h.persister != nil {
		if err := h.persister.ApplyState(ctx, delta); err != nil {
			return nil, fmt.Errorf("executor: persist state: %w", err)
		}
	}
	h.state.apply(delta)
	return out, nil
}
