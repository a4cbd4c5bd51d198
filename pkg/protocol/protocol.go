package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/nicktill/tinycompact/pkg/compaction"
	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/report"
	"github.com/nicktill/tinycompact/pkg/storage"
)

// Error is the default protocol errs class.
var Error = errs.Class("protocol")

// Trigger starts a run. Field names follow the scheduler payload.
type Trigger struct {
	SourceURI      string `json:"s3_source_uri"`
	DestinationURI string `json:"s3_destination_uri"`
	DateFormat     string `json:"date_format"`
	Duration       int    `json:"duration"`

	// Mode overrides the configured orchestration mode ("sequential" or "scatter")
	Mode string `json:"mode,omitempty"`
}

// Unit is one partition handed to a worker
type Unit struct {
	Source  storage.Location
	Dest    storage.Location
	DateKey string
}

// UnitFromPartition converts a partition into its wire unit
func UnitFromPartition(p partition.Partition) Unit {
	return Unit{Source: p.Source, Dest: p.Dest, DateKey: p.DateKey}
}

// Partition converts the unit back
func (u Unit) Partition() partition.Partition {
	return partition.Partition{DateKey: u.DateKey, Source: u.Source, Dest: u.Dest}
}

// unitWire is the wire form: src and dest are JSON strings that themselves
// contain a JSON-quoted URI, e.g. "src": "\"s3://b/p/2024/01/01/\""
type unitWire struct {
	Src     string `json:"src"`
	Dest    string `json:"dest"`
	DateKey string `json:"date_key,omitempty"`
}

// MarshalJSON writes the quoted-string wire form
func (u Unit) MarshalJSON() ([]byte, error) {
	src, err := quoteURI(u.Source)
	if err != nil {
		return nil, err
	}
	dest, err := quoteURI(u.Dest)
	if err != nil {
		return nil, err
	}
	return json.Marshal(unitWire{Src: src, Dest: dest, DateKey: u.DateKey})
}

// quoteURI renders loc as a JSON string literal without HTML escaping
func quoteURI(loc storage.Location) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(loc.String()); err != nil {
		return "", Error.Wrap(err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// UnmarshalJSON accepts both the quoted-string form and plain URIs
func (u *Unit) UnmarshalJSON(data []byte) error {
	var w unitWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Error.Wrap(err)
	}

	src, err := parseQuotedURI(w.Src)
	if err != nil {
		return err
	}
	dest, err := parseQuotedURI(w.Dest)
	if err != nil {
		return err
	}

	*u = Unit{Source: src, Dest: dest, DateKey: w.DateKey}
	return nil
}

func parseQuotedURI(s string) (storage.Location, error) {
	if strings.HasPrefix(s, `"`) {
		var unquoted string
		if err := json.Unmarshal([]byte(s), &unquoted); err != nil {
			return storage.Location{}, storage.ErrInvalidLocation.New("malformed quoted uri %s", s)
		}
		s = unquoted
	}
	return storage.ParseURI(s)
}

// DiscoveryResponse is the result of the discovery step
type DiscoveryResponse struct {
	Partitions []Unit `json:"partitions"`
}

// UnitResponse is the result of one unit step
type UnitResponse struct {
	StatusCode int                 `json:"statusCode"`
	Body       string              `json:"body"`
	ErrorType  string              `json:"errorType,omitempty"`
	Outcome    *compaction.Outcome `json:"outcome,omitempty"`
}

// NewUnitResponse maps an outcome onto the unit step response
func NewUnitResponse(out compaction.Outcome) UnitResponse {
	resp := UnitResponse{
		StatusCode: http.StatusOK,
		Body:       string(out.Status),
		Outcome:    &out,
	}
	if out.Status == compaction.StatusFailed {
		resp.StatusCode = statusForKind(out.ErrorKind, out.ErrorType)
		resp.Body = out.Error
		resp.ErrorType = out.ErrorType
		if resp.ErrorType == "" {
			resp.ErrorType = string(out.ErrorKind)
		}
	}
	return resp
}

func statusForKind(kind compaction.ErrorKind, errorType string) int {
	switch {
	case errorType == string(storage.CodeThrottled):
		return http.StatusTooManyRequests
	case storage.IsTransientCode(errorType):
		return http.StatusServiceUnavailable
	case kind == compaction.KindInvalidLocation:
		return http.StatusBadRequest
	case kind == compaction.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// RunResponse is the result of a whole run
type RunResponse struct {
	StatusCode int            `json:"statusCode"`
	Body       string         `json:"body"`
	Report     *report.Report `json:"report,omitempty"`
}

// NewRunResponse wraps a finished report. The body is always the aggregate
// completion message; per-partition failures are only in the report.
func NewRunResponse(r report.Report) RunResponse {
	return RunResponse{
		StatusCode: http.StatusOK,
		Body:       report.CompleteMessage,
		Report:     &r,
	}
}

// RetryPolicy describes how failed units are retried
type RetryPolicy struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds float64  `json:"IntervalSeconds"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate"`
}

// DefaultRetryPolicy retries transient store errors: 1s, 2s, 3 attempts total
func DefaultRetryPolicy() RetryPolicy {
	codes := make([]string, 0, len(storage.TransientCodes))
	for _, c := range storage.TransientCodes {
		codes = append(codes, string(c))
	}
	return RetryPolicy{
		ErrorEquals:     codes,
		IntervalSeconds: 1,
		MaxAttempts:     3,
		BackoffRate:     2,
	}
}

// Matches reports whether errorType is listed in ErrorEquals
func (p RetryPolicy) Matches(errorType string) bool {
	for _, e := range p.ErrorEquals {
		if e == errorType {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether a failed outcome gets another attempt.
// Timeouts are terminal.
func (p RetryPolicy) ShouldRetry(out compaction.Outcome) bool {
	return out.Status == compaction.StatusFailed &&
		out.ErrorKind != compaction.KindTimeout &&
		out.Attempts < p.MaxAttempts &&
		p.Matches(out.ErrorType)
}

// Delay is the wait before the given retry (1 = first retry)
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := time.Duration(p.IntervalSeconds * float64(time.Second))
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.BackoffRate)
	}
	return d
}
