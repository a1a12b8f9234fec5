package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orneryd/mosaicdb/pkg/rerank"
	"github.com/orneryd/mosaicdb/pkg/search"
	"github.com/orneryd/mosaicdb/pkg/storage"
)

// ErrorCode is the error code carried on the wire.
type ErrorCode string

const (
	CodeGraphError    ErrorCode = "GRAPH_ERROR"
	CodeVectorError   ErrorCode = "VECTOR_ERROR"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeInvalidAPIKey ErrorCode = "INVALID_API_KEY"
)

// StatusCode maps the code to an HTTP status.
func (c ErrorCode) StatusCode() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidAPIKey:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// Error is a failed request as seen by the gateway.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// JSON renders the error body {error, code}.
func (e *Error) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Common boundary errors.
var (
	ErrInvalidAPIKey = &Error{Code: CodeInvalidAPIKey, Message: "invalid api key"}
	ErrPoolClosed    = errors.New("dispatch: pool closed")
)

// CodeFor classifies err.
func CodeFor(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	switch storage.KindOf(err) {
	case storage.KindNotFound, storage.KindLabelNotFound, storage.KindShortestPathNotFound:
		return CodeNotFound
	case storage.KindVectorDeleted:
		return CodeVectorError
	}
	switch {
	case errors.Is(err, search.ErrDimensionMismatch),
		errors.Is(err, search.ErrEmptyVector),
		errors.Is(err, search.ErrAlreadyIndexed),
		errors.Is(err, rerank.ErrDimensionMismatch):
		return CodeVectorError
	}
	return CodeGraphError
}

// ToError converts any error into its wire form.
func ToError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: CodeFor(err), Message: err.Error()}
}

// =============================================================================
// IoNeeded
// =============================================================================

// Continuation resumes a request after I/O, under a fresh transaction.
type Continuation func(in *Input) ([]byte, error)

// IoNeeded is returned by a handler that must wait on I/O. The pool runs
// Fetch outside any transaction and schedules the continuation it returns.
type IoNeeded struct {
	Fetch func(ctx context.Context) (Continuation, error)
}

func (*IoNeeded) Error() string { return "io needed" }

// IoNeeded marks the error for storage.KindOf.
func (*IoNeeded) IoNeeded() bool { return true }

// NeedIO builds an IoNeeded error.
func NeedIO(fetch func(ctx context.Context) (Continuation, error)) error {
	return &IoNeeded{Fetch: fetch}
}
