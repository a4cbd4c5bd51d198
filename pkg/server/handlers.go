package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/httpx"
	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/orchestrator"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/report"
	"github.com/nicktill/tinycompact/pkg/server/monitor"
)

// DefaultListLimit is the number of runs GET /v1/runs returns without ?limit
const DefaultListLimit = 50

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	Compaction monitor.CompactionStatus `json:"compaction"`
}

// handleRun handles POST /v1/runs. The body is a trigger; the response
// carries the aggregate message and the full report.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var trigger protocol.Trigger
	if err := httpx.DecodeJSON(r, &trigger); err != nil {
		respondRunError(w, http.StatusBadRequest, err)
		return
	}

	rep, err := s.Run(r.Context(), trigger)
	if err != nil {
		respondRunError(w, statusForRunError(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, protocol.NewRunResponse(rep))
}

// handleDiscover handles POST /v1/partitions, the discovery step of a
// distributed run.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var trigger protocol.Trigger
	if err := httpx.DecodeJSON(r, &trigger); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	parts, err := s.orch.Discover(trigger)
	if err != nil {
		httpx.RespondError(w, statusForRunError(err), err)
		return
	}

	resp := protocol.DiscoveryResponse{Partitions: make([]protocol.Unit, 0, len(parts))}
	for _, part := range parts {
		resp.Partitions = append(resp.Partitions, protocol.UnitFromPartition(part))
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// handleCompact handles POST /v1/compact, the unit step. The response status
// mirrors the outcome so that callers can retry on 429 and 503.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var unit protocol.Unit
	if err := httpx.DecodeJSON(r, &unit); err != nil {
		httpx.RespondJSON(w, http.StatusBadRequest, protocol.UnitResponse{
			StatusCode: http.StatusBadRequest,
			Body:       err.Error(),
			ErrorType:  string(compaction.KindInvalidLocation),
		})
		return
	}

	ctx := r.Context()
	if s.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.UnitTimeout)
		defer cancel()
	}

	out := s.unit.Compact(ctx, unit.Partition())
	resp := protocol.NewUnitResponse(out)
	httpx.RespondJSON(w, resp.StatusCode, resp)
}

// handleListRuns handles GET /v1/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.ledger.List(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []report.Summary{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun handles GET /v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.lookup(w, r)
	if !ok {
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rep)
}

// handleExportRun handles GET /v1/runs/{id}/export?format=json|csv
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = report.FormatJSON
	}
	if format != report.FormatJSON && format != report.FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	rep, ok := s.lookup(w, r)
	if !ok {
		return
	}

	contentType := "application/json"
	if format == report.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinycompact-run-%s.%s", rep.RunID, format))

	// Headers are gone once the body starts, so failures can only be logged
	if err := report.Export(w, rep, format); err != nil {
		s.log.Error("export failed", zap.String("run", rep.RunID), zap.Error(err))
	}
}

// handleImportRun handles POST /v1/runs/import, restoring an exported report
// into the ledger.
func (s *Server) handleImportRun(w http.ResponseWriter, r *http.Request) {
	rep, err := report.ImportJSON(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if rep.RunID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "report has no run_id")
		return
	}

	if err := s.ledger.Record(r.Context(), rep); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("imported run report", zap.String("run", rep.RunID), zap.Int("partitions", len(rep.Outcomes)))
	httpx.RespondJSON(w, http.StatusOK, rep.Summarize())
}

// handleHealth returns service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.compaction.Status()

	overall, code := "healthy", http.StatusOK
	if !status.Healthy {
		overall, code = "degraded", http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:     overall,
		Version:    Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Compaction: status,
	})
}

// handleScratch returns scratch usage against the ceiling.
func (s *Server) handleScratch(w http.ResponseWriter, r *http.Request) {
	usage, err := s.scratch.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, usage)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (report.Report, bool) {
	rep, err := s.ledger.Get(r.Context(), mux.Vars(r)["id"])
	switch {
	case ledger.ErrNotFound.Has(err):
		httpx.RespondError(w, http.StatusNotFound, err)
		return report.Report{}, false
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return report.Report{}, false
	}
	return rep, true
}

func statusForRunError(err error) int {
	if partition.IsFatal(err) || orchestrator.Error.Has(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondRunError(w http.ResponseWriter, status int, err error) {
	httpx.RespondJSON(w, status, protocol.RunResponse{
		StatusCode: status,
		Body:       err.Error(),
	})
}
