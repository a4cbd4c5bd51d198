package storage

import (
	"context"
	"errors"
	"net"

	"github.com/zeebo/errs"
)

var (
	// Error is the default storage errs class.
	Error = errs.Class("storage")

	// ErrObjectNotFound is returned when a requested object does not exist.
	ErrObjectNotFound = errs.Class("object not found")

	// ErrInvalidLocation is returned for URIs that are not scheme://bucket/prefix.
	ErrInvalidLocation = errs.Class("invalid location")
)

// Code identifies a transient failure class. The values double as the error
// identifiers a workflow engine matches in its retry policy.
type Code string

const (
	CodeServiceUnavailable Code = "Store.ServiceUnavailable"
	CodeThrottled          Code = "Store.Throttled"
	CodeServiceException   Code = "Store.ServiceException"
	CodeClientException    Code = "Store.ClientException"
)

// TransientCodes is the fixed set of retryable error identifiers.
var TransientCodes = []Code{
	CodeServiceUnavailable,
	CodeThrottled,
	CodeServiceException,
	CodeClientException,
}

// TransientError marks an error as safe to retry.
type TransientError struct {
	Code Code
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of the given class.
func Transient(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Code: code, Err: err}
}

// TransientCode reports the transient class of err, if any.
func TransientCode(err error) (Code, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	_, ok := TransientCode(err)
	return ok
}

// IsTransientCode reports whether name is one of TransientCodes.
func IsTransientCode(name string) bool {
	for _, c := range TransientCodes {
		if string(c) == name {
			return true
		}
	}
	return false
}

// ClassifyNetError wraps network-level failures as client exceptions.
// Context cancellation is never transient.
func ClassifyNetError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(CodeClientException, err)
	}
	return err
}
