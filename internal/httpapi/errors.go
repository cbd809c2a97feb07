package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"modelhub/internal/apperr"
	"modelhub/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps an error to its HTTP status and taxonomy kind.
func statusFor(err error) (int, string) {
	kind := string(apperr.KindOf(err))
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode(), kind
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

// isRejection reports kinds that mean "try again later" rather than failure.
func isRejection(kind string) bool {
	switch apperr.Kind(kind) {
	case apperr.ModelBusy, apperr.InsufficientCapacity, apperr.EvictionImpossible, apperr.NoCandidateModel:
		return true
	}
	return false
}

// writeError maps err and writes the JSON error payload.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if isRejection(kind) {
		IncrementRejection(kind)
	}
	floor := LevelInfo
	if status >= 500 {
		floor = LevelError
	}
	if ev := reqEvent(r, floor, status); ev != nil {
		ev.Int("status", status).Str("kind", kind).Err(err).Msg("request failed")
	}
	writeJSONError(w, status, kind, err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
