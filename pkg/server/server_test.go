package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinycompact/pkg/compaction"
	memledger "github.com/nicktill/tinycompact/pkg/ledger/memory"
	"github.com/nicktill/tinycompact/pkg/orchestrator"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/protocol"
	"github.com/nicktill/tinycompact/pkg/report"
	"github.com/nicktill/tinycompact/pkg/server/monitor"
	"github.com/nicktill/tinycompact/pkg/server/stream"
	"github.com/nicktill/tinycompact/pkg/storage/faulty"
	"github.com/nicktill/tinycompact/pkg/storage/memory"
)

var now = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

type env struct {
	server *Server
	store  *memory.Store
	faults *faulty.Store
	ledger *memledger.Ledger
	http   *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t)

	store := memory.New()
	store.PutBytes("raw", "2024/01/01/a.json", []byte("aaaaa"))
	store.PutBytes("raw", "2024/01/01/b.json", []byte("bbb"))

	faults := faulty.Wrap(store)
	compactor := compaction.New(log, faults, compaction.Config{ScratchDir: t.TempDir()})
	retry := protocol.DefaultRetryPolicy()
	retry.IntervalSeconds = 0.001
	orch := orchestrator.New(log, partition.New(func() time.Time { return now }), compactor, orchestrator.Config{
		Mode:           orchestrator.ModeSequential,
		MaxConcurrency: 4,
		UnitTimeout:    time.Minute,
		RunTimeout:     time.Minute,
		Retry:          retry,
	})

	ldg := memledger.New()
	srv := New(log, Config{Port: "8080", UnitTimeout: time.Minute}, orch, compactor, ldg,
		monitor.NewScratchMonitor(compactor, time.Second), stream.NewHub(log))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{server: srv, store: store, faults: faults, ledger: ldg, http: ts}
}

func (e *env) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(e.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

var trigger = protocol.Trigger{
	SourceURI:      "s3://raw/",
	DestinationURI: "s3://out/",
	DateFormat:     "%Y/%m/%d/",
	Duration:       2,
}

func TestHandleRun(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/v1/runs", trigger)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run protocol.RunResponse
	decode(t, resp, &run)
	require.Equal(t, 200, run.StatusCode)
	require.Equal(t, report.CompleteMessage, run.Body)
	require.NotNil(t, run.Report)
	require.Len(t, run.Report.Outcomes, 2)
	require.Equal(t, 1, run.Report.Merged)
	require.Equal(t, 1, run.Report.Empty)
	require.Equal(t, int64(8), run.Report.MergedBytes)

	data, ok := e.store.Object("out", "2024/01/01/2024-01-01-.json")
	require.True(t, ok)
	require.Equal(t, "aaaaabbb", string(data))

	// Recorded in the ledger and counted by the monitor
	stored, err := e.ledger.Get(context.Background(), run.Report.RunID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Merged)
	require.Equal(t, 1, e.server.Monitor().Status().Runs)
}

func TestHandleRun_PartialFailureKeepsAggregateBody(t *testing.T) {
	e := newEnv(t)
	e.faults.SetHook(func(_ context.Context, op faulty.Op, _, _ string) error {
		if op == faulty.OpPut {
			return errors.New("access denied")
		}
		return nil
	})

	resp := e.post(t, "/v1/runs", trigger)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run protocol.RunResponse
	decode(t, resp, &run)
	require.Equal(t, http.StatusOK, run.StatusCode)
	require.Equal(t, report.CompleteMessage, run.Body)
	require.Equal(t, 1, run.Report.Failed)
	require.Equal(t, 1, run.Report.Empty)

	status := e.server.Monitor().Status()
	require.Equal(t, 1, status.ConsecutiveErrors)
	require.NotEmpty(t, status.LastError)
}

func TestHandleRun_FatalErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name    string
		trigger protocol.Trigger
	}{
		{"negative window", protocol.Trigger{SourceURI: "s3://raw/", DestinationURI: "s3://out/", DateFormat: "%Y/%m/%d/", Duration: -1}},
		{"bad format", protocol.Trigger{SourceURI: "s3://raw/", DestinationURI: "s3://out/", DateFormat: "%Q", Duration: 1}},
		{"bad location", protocol.Trigger{SourceURI: "raw", DestinationURI: "s3://out/", DateFormat: "%Y/%m/%d/", Duration: 1}},
		{"bad mode", protocol.Trigger{SourceURI: "s3://raw/", DestinationURI: "s3://out/", DateFormat: "%Y/%m/%d/", Duration: 1, Mode: "parallel"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, "/v1/runs", tt.trigger)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var run protocol.RunResponse
			decode(t, resp, &run)
			require.Equal(t, http.StatusBadRequest, run.StatusCode)
			require.NotEmpty(t, run.Body)
			require.Nil(t, run.Report)
		})
	}

	// Nothing was dispatched or recorded
	runs, err := e.ledger.List(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, runs)
	require.Equal(t, len(tests), e.server.Monitor().Status().ConsecutiveErrors)
}

func TestHandleRun_MalformedBody(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.http.URL+"/v1/runs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleDiscoverThenCompact(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/v1/partitions", trigger)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var discovery protocol.DiscoveryResponse
	decode(t, resp, &discovery)
	require.Len(t, discovery.Partitions, 2)
	require.Equal(t, "s3://raw/2023/12/31/", discovery.Partitions[0].Source.String())
	require.Equal(t, "s3://raw/2024/01/01/", discovery.Partitions[1].Source.String())

	// Feed each unit back exactly as received
	var outcomes []compaction.Outcome
	for _, unit := range discovery.Partitions {
		resp := e.post(t, "/v1/compact", unit)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ur protocol.UnitResponse
		decode(t, resp, &ur)
		require.Equal(t, 200, ur.StatusCode)
		require.NotNil(t, ur.Outcome)
		outcomes = append(outcomes, *ur.Outcome)
	}

	require.Equal(t, compaction.StatusEmpty, outcomes[0].Status)
	require.Equal(t, compaction.StatusMerged, outcomes[1].Status)
	require.Equal(t, 2, outcomes[1].MergedCount)
}

func TestHandleDiscover_InvalidWindow(t *testing.T) {
	e := newEnv(t)

	bad := trigger
	bad.Duration = -3
	resp := e.post(t, "/v1/partitions", bad)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCompact_InvalidUnit(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/v1/compact", map[string]string{"src": "\"not-a-uri\"", "dest": "\"s3://out/\""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var ur protocol.UnitResponse
	decode(t, resp, &ur)
	require.Equal(t, string(compaction.KindInvalidLocation), ur.ErrorType)
}

func TestRunsLedgerEndpoints(t *testing.T) {
	e := newEnv(t)

	var run protocol.RunResponse
	decode(t, e.post(t, "/v1/runs", trigger), &run)
	runID := run.Report.RunID

	t.Run("list", func(t *testing.T) {
		resp := e.get(t, "/v1/runs?limit=10")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Runs  []report.Summary `json:"runs"`
			Count int              `json:"count"`
		}
		decode(t, resp, &body)
		require.Equal(t, 1, body.Count)
		require.Equal(t, runID, body.Runs[0].RunID)
		require.Equal(t, 2, body.Runs[0].Partitions)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := e.get(t, "/v1/runs?limit=abc")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp := e.get(t, "/v1/runs/"+runID)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got report.Report
		decode(t, resp, &got)
		require.Equal(t, runID, got.RunID)
		require.Len(t, got.Outcomes, 2)
	})

	t.Run("missing", func(t *testing.T) {
		resp := e.get(t, "/v1/runs/does-not-exist")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("export csv", func(t *testing.T) {
		resp := e.get(t, "/v1/runs/"+runID+"/export?format=csv")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		require.Contains(t, resp.Header.Get("Content-Disposition"), runID+".csv")

		rows, err := csv.NewReader(resp.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3) // header + two partitions
	})

	t.Run("export bad format", func(t *testing.T) {
		resp := e.get(t, "/v1/runs/"+runID+"/export?format=xml")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("export then import", func(t *testing.T) {
		resp := e.get(t, "/v1/runs/"+runID+"/export")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)

		fresh := newEnv(t)
		imp, err := http.Post(fresh.http.URL+"/v1/runs/import", "application/json", &buf)
		require.NoError(t, err)
		defer func() { _ = imp.Body.Close() }()
		require.Equal(t, http.StatusOK, imp.StatusCode)

		got, err := fresh.ledger.Get(context.Background(), runID)
		require.NoError(t, err)
		require.Equal(t, 1, got.Merged)
	})
}

func TestHandleHealth(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	decode(t, resp, &health)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, Version, health.Version)

	bad := trigger
	bad.Duration = -1
	for i := 0; i <= monitor.MaxConsecutiveFailures; i++ {
		e.post(t, "/v1/runs", bad)
	}

	resp = e.get(t, "/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	decode(t, resp, &health)
	require.Equal(t, "degraded", health.Status)
	require.False(t, health.Compaction.Healthy)
}

func TestHandleScratch(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/v1/scratch")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var usage monitor.ScratchUsage
	decode(t, resp, &usage)
	require.NotEmpty(t, usage.Dir)
	require.Zero(t, usage.ReservedBytes)
}

func TestCORS(t *testing.T) {
	e := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8080")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "http://localhost:8080", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
