// ABOUTME: Structured API error codes and classification of Go errors into them
// ABOUTME: Produces the error payload stored on failed jobs and returned to callers

package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/cauldron/internal/store"
)

// Code is a numeric API error code.
type Code int

const (
	CodeMalformedParameter  Code = 430
	CodeParamError          Code = 431
	CodeUnsupportedAction   Code = 432
	CodeInternalError       Code = 530
	CodeAccountError        Code = 531
	CodeResourceUnavailable Code = 533
	CodeHostUnavailable     Code = 534
	CodeResourceAllocation  Code = 535
	CodeStorageUnavailable  Code = 536
	CodeAsyncCommandQueued  Code = 539
)

const (
	timedOutText = "operation timed out"
	redactedText = "internal error executing command"
)

// Sentinel errors for the dispatch taxonomy.
var (
	ErrHostUnavailable     = errors.New("host unavailable")
	ErrOperationTimedOut   = errors.New(timedOutText)
	ErrSubmissionRejected  = errors.New("concurrency limit reached, retry later")
	ErrUnknownCommand      = errors.New("unknown command")
	ErrMalformedParameters = errors.New("malformed parameters")
	ErrNotFound            = errors.New("entity not found")
	ErrPermissionDenied    = errors.New("permission denied")
)

// Error is a structured, user-facing failure carrying its own code.
type Error struct {
	Code Code
	Text string

	// Internal marks unclassified failures whose text is hidden from
	// non-admin callers.
	Internal bool

	err error
}

// New creates a user-facing error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err, keeping it reachable through errors.Is/As.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Text: err.Error(), err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Text)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the caller should resubmit later.
func (e *Error) Retryable() bool {
	return e.Code == CodeAsyncCommandQueued
}

// From classifies any error into a structured Error. Errors that already
// carry a code pass through; known sentinels map to their codes; anything
// else becomes an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.Is(err, ErrHostUnavailable):
		return Wrap(CodeHostUnavailable, err)
	case errors.Is(err, ErrOperationTimedOut):
		return &Error{Code: CodeInternalError, Text: timedOutText, err: err}
	case errors.Is(err, ErrSubmissionRejected):
		return Wrap(CodeAsyncCommandQueued, err)
	case errors.Is(err, ErrUnknownCommand):
		return Wrap(CodeUnsupportedAction, err)
	case errors.Is(err, ErrMalformedParameters):
		return Wrap(CodeMalformedParameter, err)
	case errors.Is(err, ErrNotFound):
		return Wrap(CodeParamError, err)
	case errors.Is(err, ErrPermissionDenied):
		return Wrap(CodeAccountError, err)
	}
	return &Error{Code: CodeInternalError, Text: err.Error(), Internal: true, err: err}
}

// Redacted returns a copy safe to show to callers without admin rights.
func (e *Error) Redacted() *Error {
	if !e.Internal {
		return e
	}
	return &Error{Code: e.Code, Text: redactedText, Internal: true, err: e.err}
}

// Result renders the error as the payload stored on a failed job.
func (e *Error) Result() *store.JobResult {
	data := map[string]any{
		"errorcode": int(e.Code),
		"errortext": e.Text,
	}
	if e.Internal {
		data["internal"] = true
	}
	return &store.JobResult{Kind: store.ResultError, Data: data}
}

// FromResult recovers an Error from a stored error payload. It returns nil
// for payloads of any other kind.
func FromResult(r *store.JobResult) *Error {
	if r == nil || r.Kind != store.ResultError {
		return nil
	}
	e := &Error{}
	switch v := r.Data["errorcode"].(type) {
	case int:
		e.Code = Code(v)
	case float64:
		e.Code = Code(v)
	}
	e.Text, _ = r.Data["errortext"].(string)
	e.Internal, _ = r.Data["internal"].(bool)
	return e
}

// HTTPStatus maps a code to the status used on synchronous HTTP responses.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeMalformedParameter, CodeParamError, CodeUnsupportedAction:
		return http.StatusBadRequest
	case CodeAccountError:
		return http.StatusForbidden
	case CodeAsyncCommandQueued:
		return http.StatusTooManyRequests
	case CodeHostUnavailable, CodeResourceUnavailable, CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
