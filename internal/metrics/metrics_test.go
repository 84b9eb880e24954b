package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/diamond/internal/diamond"
)

// sum adds up every sample of the named family whose labels contain want.
func sum(t *testing.T, c *Collector, name string, want map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestNewCollector(t *testing.T) {
	c := NewCollector("")
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.Registry() == nil {
		t.Error("registry should not be nil")
	}
}

func TestCollector_RecordCut(t *testing.T) {
	c := NewCollector("test")

	c.RecordCut(2, time.Millisecond, nil)
	c.RecordCut(1, time.Millisecond, diamond.ErrUnauthorized)
	c.RecordCut(1, time.Millisecond, fmt.Errorf("wrap: %w", diamond.ErrImmutableFunction))
	c.RecordCut(1, time.Millisecond, &diamond.ReplaceExistingError{})

	if got := sum(t, c, "test_cut_batches_total", map[string]string{"result": "success"}); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := sum(t, c, "test_cut_batches_total", nil); got != 4 {
		t.Errorf("total = %v, want 4", got)
	}
	if got := sum(t, c, "test_cut_batches_total", map[string]string{"result": "replace_existing"}); got != 1 {
		t.Errorf("replace_existing = %v, want 1", got)
	}
	if got := sum(t, c, "test_cut_batch_size", nil); got != 4 {
		t.Errorf("batch_size samples = %v, want 4", got)
	}
}

func TestCollector_RecordDispatch(t *testing.T) {
	c := NewCollector("test")
	sel := diamond.SelectorOf("transfer")

	c.RecordDispatch(sel, time.Millisecond, nil)
	c.RecordDispatch(diamond.Selector{9, 9, 9, 9}, time.Millisecond, fmt.Errorf("%w: x", diamond.ErrUnregisteredFunction))
	c.RecordDispatch(diamond.Selector{8, 8, 8, 8}, time.Millisecond, fmt.Errorf("%w: y", diamond.ErrUnregisteredFunction))
	c.RecordDispatch(sel, time.Millisecond, &diamond.CallError{Module: util.Uint160{1}, Selector: sel, Err: errors.New("revert")})

	if got := sum(t, c, "test_dispatch_calls_total", map[string]string{"selector": "unrouted"}); got != 2 {
		t.Errorf("unrouted = %v, want 2", got)
	}
	if got := sum(t, c, "test_dispatch_calls_total", map[string]string{"selector": sel.String(), "result": "call_error"}); got != 1 {
		t.Errorf("call_error = %v, want 1", got)
	}
}

func TestCollector_RoutesExecutionAudit(t *testing.T) {
	c := NewCollector("test")

	c.RecordRoutes(7, 3)
	c.RecordExecution("script", time.Millisecond, nil)
	c.RecordExecution("native", time.Millisecond, errors.New("boom"))
	c.RecordAudit(nil)
	c.RecordAudit(errors.New("corrupt"))
	c.UpdateUptime()

	if got := sum(t, c, "test_routes_selectors", nil); got != 7 {
		t.Errorf("selectors = %v, want 7", got)
	}
	if got := sum(t, c, "test_routes_facets", nil); got != 3 {
		t.Errorf("facets = %v, want 3", got)
	}
	if got := sum(t, c, "test_executor_calls_total", map[string]string{"kind": "native", "result": "error"}); got != 1 {
		t.Errorf("native errors = %v, want 1", got)
	}
	if got := sum(t, c, "test_audit_runs_total", nil); got != 2 {
		t.Errorf("audit runs = %v, want 2", got)
	}
	if got := sum(t, c, "test_audit_invariant_violations_total", nil); got != 1 {
		t.Errorf("violations = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordRoutes(1, 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_routes_selectors 1") {
		t.Errorf("body missing routes gauge:\n%s", rec.Body.String())
	}
}

func TestResultLabels(t *testing.T) {
	tests := []struct {
		err  error
		cut  string
		call string
	}{
		{nil, "success", "success"},
		{errors.New("persist"), "error", "error"},
		{diamond.ErrUnregisteredFunction, "error", "unregistered"},
	}
	for _, tc := range tests {
		if got := CutResult(tc.err); got != tc.cut {
			t.Errorf("CutResult(%v) = %q, want %q", tc.err, got, tc.cut)
		}
		if got := DispatchResult(tc.err); got != tc.call {
			t.Errorf("DispatchResult(%v) = %q, want %q", tc.err, got, tc.call)
		}
	}
}
