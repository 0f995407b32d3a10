package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/finchboard/finchboard/internal/lifecycle"
	"github.com/finchboard/finchboard/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sendError maps a domain error to an HTTP status and a stable machine
// code, so the board can render targeted feedback per error kind.
func sendError(w http.ResponseWriter, err error) {
	sendJSON(w, errorStatus(err), errorResponse{Error: err.Error(), Code: errorCode(err)})
}

func errorStatus(err error) int {
	var validation store.ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, lifecycle.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrCapacityExceeded),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	var validation store.ValidationError
	switch {
	// An unrecognized status value is a malformed request, the same class
	// as any other failed input validation.
	case errors.As(err, &validation),
		errors.Is(err, lifecycle.ErrUnknownStatus):
		return "validation_failed"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, lifecycle.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "storage_unavailable"
	}
	return "internal_error"
}
