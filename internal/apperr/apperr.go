// Package apperr defines the error taxonomy shared by the orchestration
// layers. Every error that crosses a package boundary is an *Error with a
// Kind, so the HTTP layer can map it to a status code without knowing which
// component produced it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
)

// Kind names a class of failure.
type Kind string

const (
	NotFound             Kind = "NotFound"
	InsufficientCapacity Kind = "InsufficientCapacity"
	EvictionImpossible   Kind = "EvictionImpossible"
	LoadTimeout          Kind = "LoadTimeout"
	LoadRejected         Kind = "LoadRejected"
	Unsupported          Kind = "Unsupported"
	ModelBusy            Kind = "ModelBusy"
	BackendError         Kind = "BackendError"
	NoCandidateModel     Kind = "NoCandidateModel"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind    Kind
	ModelID string
	Msg     string
	// Shortfall is the number of bytes missing for InsufficientCapacity and
	// EvictionImpossible.
	Shortfall int64
	Err       error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.ModelID != "" {
		s += " (" + e.ModelID + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Shortfall > 0 {
		s += ", short by " + humanize.IBytes(uint64(e.Shortfall))
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to the HTTP status returned by the control API.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case NotFound:
		return http.StatusNotFound
	case Unsupported, ModelBusy:
		return http.StatusConflict
	case InsufficientCapacity, EvictionImpossible, NoCandidateModel:
		return http.StatusServiceUnavailable
	case LoadTimeout:
		return http.StatusGatewayTimeout
	case LoadRejected, BackendError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an *Error.
func New(kind Kind, modelID, format string, args ...any) *Error {
	return &Error{Kind: kind, ModelID: modelID, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause. A cause that already is an *Error is
// returned unchanged so kinds are never double wrapped.
func Wrap(kind Kind, modelID string, cause error) error {
	if cause == nil {
		return nil
	}
	var ae *Error
	if errors.As(cause, &ae) {
		return cause
	}
	return &Error{Kind: kind, ModelID: modelID, Err: cause}
}

// Shortfall builds an InsufficientCapacity or EvictionImpossible error.
func Shortfall(kind Kind, modelID string, missing int64) *Error {
	return &Error{Kind: kind, ModelID: modelID, Shortfall: missing}
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsNotFound(err error) bool     { return Is(err, NotFound) }
func IsModelBusy(err error) bool    { return Is(err, ModelBusy) }
func IsUnsupported(err error) bool  { return Is(err, Unsupported) }
func IsBackendError(err error) bool { return Is(err, BackendError) }
