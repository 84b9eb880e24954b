package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/diamond/internal/diamond"
)

type healthResponse struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Selectors  int               `json:"selectors"`
	Facets     int               `json:"facets"`
	Frozen     *diamond.ModuleID `json:"frozen,omitempty"`
	Goroutines int               `json:"goroutines"`
	RSSBytes   uint64            `json:"rss_bytes,omitempty"`
	AuditRuns  int               `json:"audit_runs,omitempty"`
	AuditError string            `json:"audit_error,omitempty"`
}

// handleHealth reports liveness plus a summary of the route table. It
// answers 503 when the last audit found the route table inconsistent.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Registry.Snapshot()
	resp := healthResponse{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Facets:     len(snap.Facets),
		Frozen:     snap.Frozen,
		Goroutines: runtime.NumGoroutine(),
		RSSBytes:   processRSS(),
	}
	for _, f := range snap.Facets {
		resp.Selectors += len(f.Selectors)
	}

	status := http.StatusOK
	if s.deps.Audit != nil {
		last, runs := s.deps.Audit.Last()
		resp.AuditRuns = runs
		if last.Err != nil {
			resp.Status = "degraded"
			resp.AuditError = last.Err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpdateUptime()
	}
	writeJSON(w, status, resp)
}

func processRSS() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
