package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/storage"
)

// CompactPath is the unit step endpoint served by every worker
const CompactPath = "/v1/compact"

// maxResponseBytes bounds how much of a worker response is read
const maxResponseBytes = 1 << 20

// HTTPDispatcher runs units on remote workers. Workers are used round-robin.
type HTTPDispatcher struct {
	log     *zap.Logger
	workers []string
	client  *http.Client
	next    atomic.Uint64
}

// NewHTTPDispatcher creates a dispatcher for the given worker base URLs
func NewHTTPDispatcher(log *zap.Logger, workers []string, timeout time.Duration) (*HTTPDispatcher, error) {
	if len(workers) == 0 {
		return nil, Error.New("at least one worker is required")
	}
	trimmed := make([]string, len(workers))
	for i, w := range workers {
		if w == "" {
			return nil, Error.New("worker %d has an empty URL", i)
		}
		trimmed[i] = strings.TrimRight(w, "/")
	}
	return &HTTPDispatcher{
		log:     log,
		workers: trimmed,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Timeout is the per-request client timeout
func (d *HTTPDispatcher) Timeout() time.Duration {
	return d.client.Timeout
}

// Compact sends the partition to the next worker and waits for its outcome
func (d *HTTPDispatcher) Compact(ctx context.Context, part partition.Partition) compaction.Outcome {
	started := time.Now()
	out := d.send(ctx, part)
	out.Partition = part
	if out.Duration == 0 {
		out.Duration = time.Since(started)
	}
	return out
}

func (d *HTTPDispatcher) send(ctx context.Context, part partition.Partition) compaction.Outcome {
	worker := d.workers[(d.next.Add(1)-1)%uint64(len(d.workers))]

	body, err := json.Marshal(UnitFromPartition(part))
	if err != nil {
		return compaction.Failed(part, Error.Wrap(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, worker+CompactPath, bytes.NewReader(body))
	if err != nil {
		return compaction.Failed(part, Error.Wrap(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return compaction.Failed(part, compaction.ErrTimeout.Wrap(err))
		}
		d.log.Debug("worker unreachable", zap.String("worker", worker), zap.Error(err))
		return compaction.Failed(part, storage.Transient(storage.CodeClientException, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return compaction.Failed(part, storage.Transient(storage.CodeClientException, err))
	}

	var unitResp UnitResponse
	decodeErr := json.Unmarshal(data, &unitResp)
	if decodeErr == nil && unitResp.Outcome != nil {
		return *unitResp.Outcome
	}

	// No structured outcome: classify by status code
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return compaction.Failed(part, storage.Transient(storage.CodeThrottled, statusError(resp.StatusCode, data)))
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return compaction.Failed(part, storage.Transient(storage.CodeServiceUnavailable, statusError(resp.StatusCode, data)))
	case http.StatusBadRequest:
		return compaction.Failed(part, storage.ErrInvalidLocation.Wrap(statusError(resp.StatusCode, data)))
	}
	if decodeErr != nil {
		return compaction.Failed(part, Error.New("worker %s: undecodable response: %v", worker, decodeErr))
	}
	return compaction.Failed(part, statusError(resp.StatusCode, data))
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(code)
	}
	return Error.Wrap(errors.New(http.StatusText(code) + ": " + msg))
}
