package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/report"
	"github.com/nicktill/tinycompact/pkg/storage"
)

func testPartition(t *testing.T) partition.Partition {
	t.Helper()
	src, err := storage.ParseURI("s3://raw/events/2024/01/01/")
	require.NoError(t, err)
	dest, err := storage.ParseURI("s3://out/events/2024/01/01/")
	require.NoError(t, err)
	return partition.Partition{DateKey: "2024/01/01/", Source: src, Dest: dest}
}

func TestUnit_WireFormIsQuoted(t *testing.T) {
	data, err := json.Marshal(DiscoveryResponse{Partitions: []Unit{UnitFromPartition(testPartition(t))}})
	require.NoError(t, err)
	require.JSONEq(t, `{"partitions":[{
		"src":"\"s3://raw/events/2024/01/01/\"",
		"dest":"\"s3://out/events/2024/01/01/\"",
		"date_key":"2024/01/01/"}]}`, string(data))

	var resp DiscoveryResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Len(t, resp.Partitions, 1)
	require.Equal(t, testPartition(t), resp.Partitions[0].Partition())
}

func TestUnit_AcceptsPlainURIs(t *testing.T) {
	var u Unit
	require.NoError(t, json.Unmarshal([]byte(`{"src":"s3://a/x/","dest":"s3://b/y/"}`), &u))
	require.Equal(t, "a", u.Source.Bucket)
	require.Equal(t, "y/", u.Dest.Prefix)

	err := json.Unmarshal([]byte(`{"src":"nope","dest":"s3://b/"}`), &u)
	require.True(t, storage.ErrInvalidLocation.Has(err))
}

func TestUnit_QuotingIsJSON(t *testing.T) {
	u := Unit{
		Source: storage.Location{Scheme: "s3", Bucket: "raw", Prefix: "a\x01b/<x>/"},
		Dest:   storage.Location{Scheme: "s3", Bucket: "out", Prefix: "a/"},
	}
	data, err := json.Marshal(u)
	require.NoError(t, err)

	var w unitWire
	require.NoError(t, json.Unmarshal(data, &w))
	require.Equal(t, `"s3://raw/a\u0001b/<x>/"`, w.Src)
	require.True(t, json.Valid([]byte(w.Src)))

	var back Unit
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, u.Source, back.Source)
}

func TestUnit_RejectsMalformedQuoting(t *testing.T) {
	var u Unit
	err := json.Unmarshal([]byte(`{"src":"\"s3://raw/p/","dest":"\"s3://out/p/\""}`), &u)
	require.Error(t, err)
	require.True(t, storage.ErrInvalidLocation.Has(err))

	// Go-only escapes are not JSON
	err = json.Unmarshal([]byte(`{"src":"\"s3://raw/\\x01/\"","dest":"s3://out/p/"}`), &u)
	require.True(t, storage.ErrInvalidLocation.Has(err))
}

func TestNewRunResponse_BodyIsAggregate(t *testing.T) {
	part := testPartition(t)
	r := report.Report{Outcomes: []compaction.Outcome{
		{Partition: part, Status: compaction.StatusMerged},
		compaction.Failed(part, compaction.ErrSinkWrite.New("boom")),
	}}
	r.Tally()

	resp := NewRunResponse(r)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, report.CompleteMessage, resp.Body)
	require.Equal(t, 1, resp.Report.Failed)
}

func TestNewUnitResponse(t *testing.T) {
	part := testPartition(t)

	ok := NewUnitResponse(compaction.Outcome{Partition: part, Status: compaction.StatusMerged})
	require.Equal(t, http.StatusOK, ok.StatusCode)
	require.Empty(t, ok.ErrorType)

	throttled := NewUnitResponse(compaction.Failed(part, storage.Transient(storage.CodeThrottled, context.Canceled)))
	require.Equal(t, http.StatusGatewayTimeout, throttled.StatusCode, "cancellation wins over the transient code")

	failed := NewUnitResponse(compaction.Failed(part, compaction.ErrSinkWrite.Wrap(storage.Transient(storage.CodeThrottled, http.ErrHandlerTimeout))))
	require.Equal(t, http.StatusTooManyRequests, failed.StatusCode)
	require.Equal(t, "Store.Throttled", failed.ErrorType)

	bad := NewUnitResponse(compaction.Failed(part, storage.ErrInvalidLocation.New("x")))
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
	require.Equal(t, "InvalidLocation", bad.ErrorType)
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Len(t, p.ErrorEquals, 4)
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))

	failed := compaction.Outcome{Status: compaction.StatusFailed, ErrorKind: compaction.KindSinkWrite, ErrorType: "Store.ServiceException", Attempts: 1}
	require.True(t, p.ShouldRetry(failed))

	failed.Attempts = 3
	require.False(t, p.ShouldRetry(failed))

	timeout := compaction.Outcome{Status: compaction.StatusFailed, ErrorKind: compaction.KindTimeout, ErrorType: "Store.Throttled", Attempts: 1}
	require.False(t, p.ShouldRetry(timeout))

	permanent := compaction.Outcome{Status: compaction.StatusFailed, ErrorKind: compaction.KindSourceRead, Attempts: 1}
	require.False(t, p.ShouldRetry(permanent))
}

func TestHTTPDispatcher_Success(t *testing.T) {
	part := testPartition(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, CompactPath, r.URL.Path)

		var u Unit
		require.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		require.Equal(t, part, u.Partition())

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(NewUnitResponse(compaction.Outcome{
			Partition:   u.Partition(),
			Status:      compaction.StatusMerged,
			MergedCount: 2,
			MergedBytes: 8,
			Attempts:    1,
			Duration:    time.Millisecond,
		}))
	}))
	defer server.Close()

	d, err := NewHTTPDispatcher(zaptest.NewLogger(t), []string{server.URL + "/"}, time.Second)
	require.NoError(t, err)

	out := d.Compact(context.Background(), part)
	require.Equal(t, compaction.StatusMerged, out.Status)
	require.Equal(t, int64(8), out.MergedBytes)
	require.Equal(t, part, out.Partition)
}

func TestHTTPDispatcher_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, "Store.Throttled"},
		{http.StatusServiceUnavailable, "Store.ServiceUnavailable"},
		{http.StatusBadGateway, "Store.ServiceUnavailable"},
		{http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "busy", tt.status)
			}))
			defer server.Close()

			d, err := NewHTTPDispatcher(zaptest.NewLogger(t), []string{server.URL}, time.Second)
			require.NoError(t, err)

			out := d.Compact(context.Background(), testPartition(t))
			require.Equal(t, compaction.StatusFailed, out.Status)
			require.Equal(t, tt.want, out.ErrorType)
		})
	}
}

func TestHTTPDispatcher_UnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	d, err := NewHTTPDispatcher(zaptest.NewLogger(t), []string{url}, time.Second)
	require.NoError(t, err)

	out := d.Compact(context.Background(), testPartition(t))
	require.Equal(t, compaction.StatusFailed, out.Status)
	require.Equal(t, string(storage.CodeClientException), out.ErrorType)
}

func TestHTTPDispatcher_RoundRobin(t *testing.T) {
	var a, b atomic.Int32
	handler := func(counter *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			_ = json.NewEncoder(w).Encode(NewUnitResponse(compaction.Outcome{Status: compaction.StatusEmpty, Attempts: 1}))
		}
	}
	serverA := httptest.NewServer(handler(&a))
	defer serverA.Close()
	serverB := httptest.NewServer(handler(&b))
	defer serverB.Close()

	d, err := NewHTTPDispatcher(zaptest.NewLogger(t), []string{serverA.URL, serverB.URL}, time.Second)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.Equal(t, compaction.StatusEmpty, d.Compact(context.Background(), testPartition(t)).Status)
	}
	require.Equal(t, int32(2), a.Load())
	require.Equal(t, int32(2), b.Load())
}

func TestNewHTTPDispatcher_Validation(t *testing.T) {
	_, err := NewHTTPDispatcher(zaptest.NewLogger(t), nil, time.Second)
	require.Error(t, err)

	_, err = NewHTTPDispatcher(zaptest.NewLogger(t), []string{""}, time.Second)
	require.Error(t, err)
}

func TestHTTPDispatcher_ContextEndsSlowUnit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	d, err := NewHTTPDispatcher(zaptest.NewLogger(t), []string{server.URL}, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d.Timeout())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := d.Compact(ctx, testPartition(t))
	require.Equal(t, compaction.StatusFailed, out.Status)
	require.Equal(t, compaction.KindTimeout, out.ErrorKind)
	require.False(t, DefaultRetryPolicy().ShouldRetry(out), "a slow unit must not be sent to another worker")
}
