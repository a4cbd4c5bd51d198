// Package server exposes compaction over HTTP: whole runs, the discovery and
// unit steps of a distributed run, the run ledger and service health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/ledger"
	"github.com/nicktill/tinycompact/pkg/orchestrator"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/report"
	"github.com/nicktill/tinycompact/pkg/server/monitor"
	"github.com/nicktill/tinycompact/pkg/server/stream"
)

var (
	mon = monkit.Package()

	// Error is the default server errs class.
	Error = errs.Class("server")
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Config holds server settings
type Config struct {
	// Port is only used to build the allowed CORS origins
	Port string

	// UnitTimeout bounds one POST /v1/compact request (0 = none)
	UnitTimeout time.Duration
}

// Server wires the orchestrator, the ledger and the monitors together
type Server struct {
	log    *zap.Logger
	cfg    Config
	orch   *orchestrator.Orchestrator
	unit   orchestrator.Executor
	ledger ledger.Ledger

	compaction *monitor.CompactionMonitor
	scratch    *monitor.ScratchMonitor
	hub        *stream.Hub

	started time.Time
}

// New creates a server. unit executes single partitions for the unit step
// and must run them in process.
func New(log *zap.Logger, cfg Config, orch *orchestrator.Orchestrator, unit orchestrator.Executor,
	ldg ledger.Ledger, scratch *monitor.ScratchMonitor, hub *stream.Hub) *Server {

	s := &Server{
		log:        log,
		cfg:        cfg,
		orch:       orch,
		unit:       unit,
		ledger:     ldg,
		compaction: &monitor.CompactionMonitor{},
		scratch:    scratch,
		hub:        hub,
		started:    time.Now(),
	}
	orch.OnOutcome(hub.PublishOutcome)
	return s
}

// Monitor exposes run health
func (s *Server) Monitor() *monitor.CompactionMonitor {
	return s.compaction
}

// Run executes a trigger and records its report. Errors are configuration
// errors; partition failures only show up in the report.
func (s *Server) Run(ctx context.Context, trigger protocol.Trigger) (_ report.Report, err error) {
	defer mon.Task()(&ctx)(&err)

	r, err := s.orch.Run(ctx, trigger)
	if err != nil {
		s.compaction.RecordFailure(err)
		return report.Report{}, err
	}

	// The run already happened; a ledger failure must not hide its result
	if err := s.ledger.Record(context.WithoutCancel(ctx), r); err != nil {
		s.log.Error("failed to record run", zap.String("run", r.RunID), zap.Error(err))
	}
	s.compaction.RecordRun(r)
	s.hub.PublishRun(r)

	if status := s.compaction.Status(); status.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
		s.log.Warn("compaction keeps failing", zap.Int("consecutive_failed_runs", status.ConsecutiveErrors))
	}
	return r, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(corsMiddleware(s.cfg.Port), instrument(s.log.Named("http")))

	api := router.PathPrefix("/v1").Subrouter()

	// Compaction
	api.HandleFunc("/runs", s.handleRun).Methods("POST")
	api.HandleFunc("/partitions", s.handleDiscover).Methods("POST")
	api.HandleFunc("/compact", s.handleCompact).Methods("POST")

	// Ledger
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/runs/import", s.handleImportRun).Methods("POST")
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/export", s.handleExportRun).Methods("GET")

	// Status
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/scratch", s.handleScratch).Methods("GET")
	api.Handle("/ws", s.hub).Methods("GET")

	return router
}

// corsMiddleware restricts browser access to localhost origins.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowed := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
