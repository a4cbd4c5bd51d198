package compaction

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/nicktill/tinycompact/pkg/partition"
	"github.com/nicktill/tinycompact/pkg/storage"
)

var (
	// Error is the default compaction errs class.
	Error = errs.Class("compaction")

	// ErrSourceRead wraps failures listing or reading source objects.
	ErrSourceRead = errs.Class("source read")

	// ErrSinkWrite wraps failures staging or uploading the merged object.
	ErrSinkWrite = errs.Class("sink write")

	// ErrTimeout is returned when a unit runs out of time.
	ErrTimeout = errs.Class("timeout")

	// ErrScratchExhausted is returned when a merge would exceed the scratch ceiling.
	ErrScratchExhausted = errs.Class("scratch exhausted")
)

// Status is the terminal state of one partition
type Status string

const (
	StatusMerged Status = "merged" // Output object written
	StatusEmpty  Status = "empty"  // Nothing under the source prefix
	StatusFailed Status = "failed" // See ErrorKind
)

// ErrorKind classifies a failed outcome
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindInvalidWindow    ErrorKind = "InvalidWindow"
	KindInvalidFormat    ErrorKind = "InvalidFormat"
	KindInvalidLocation  ErrorKind = "InvalidLocation"
	KindSourceRead       ErrorKind = "SourceReadError"
	KindSinkWrite        ErrorKind = "SinkWriteError"
	KindTimeout          ErrorKind = "Timeout"
	KindScratchExhausted ErrorKind = "ScratchExhausted"
	KindInternal         ErrorKind = "InternalError"
)

// KindOf maps an error onto its ErrorKind
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case ErrTimeout.Has(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	case partition.ErrInvalidWindow.Has(err):
		return KindInvalidWindow
	case partition.ErrInvalidFormat.Has(err):
		return KindInvalidFormat
	case storage.ErrInvalidLocation.Has(err):
		return KindInvalidLocation
	case ErrScratchExhausted.Has(err):
		return KindScratchExhausted
	case ErrSinkWrite.Has(err):
		return KindSinkWrite
	case ErrSourceRead.Has(err):
		return KindSourceRead
	}
	return KindInternal
}

// MergeJob is the plan for one partition: what to read and where to write it
type MergeJob struct {
	Partition   partition.Partition
	Records     []storage.ObjectRecord
	OutputKey   string
	ScratchPath string
}

// TotalBytes sums the listed object sizes
func (j MergeJob) TotalBytes() int64 {
	var total int64
	for _, r := range j.Records {
		total += r.Size
	}
	return total
}

// Outcome is the result of compacting one partition.
// Outcomes are values; once returned they are not modified.
type Outcome struct {
	Partition   partition.Partition `json:"partition"`
	Status      Status              `json:"status"`
	MergedCount int                 `json:"merged_count"`
	MergedBytes int64               `json:"merged_bytes"`
	OutputKey   string              `json:"output_key,omitempty"`
	Attempts    int                 `json:"attempts"`
	ErrorKind   ErrorKind           `json:"error_kind,omitempty"`
	ErrorType   string              `json:"error_type,omitempty"` // transient code, e.g. Store.Throttled
	Error       string              `json:"error,omitempty"`
	Duration    time.Duration       `json:"duration_ns"`
}

// Failed builds a failed outcome for part from err
func Failed(part partition.Partition, err error) Outcome {
	out := Outcome{
		Partition: part,
		Status:    StatusFailed,
		ErrorKind: KindOf(err),
		Attempts:  1,
	}
	if err != nil {
		out.Error = err.Error()
	}
	if code, ok := storage.TransientCode(err); ok && out.ErrorKind != KindTimeout {
		out.ErrorType = string(code)
	}
	return out
}

// Retryable reports whether the failure is transient and worth another attempt.
// Timeouts are terminal.
func (o Outcome) Retryable() bool {
	return o.Status == StatusFailed &&
		o.ErrorKind != KindTimeout &&
		storage.IsTransientCode(o.ErrorType)
}

// OK reports whether the partition finished without error
func (o Outcome) OK() bool {
	return o.Status == StatusMerged || o.Status == StatusEmpty
}
