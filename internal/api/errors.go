package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/energino-core/internal/feed"
	"github.com/nerrad567/energino-core/internal/jsonmerge"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeValidation       = "validation_error"
	ErrCodeRemote           = "remote_delivery_error"
	ErrCodeInternal         = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	//nolint:errcheck // the client may already be gone
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeFeedError maps registry and merge errors onto status codes.
// Validation failures are 401, the status existing agents check for.
func writeFeedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feed.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, feed.ErrValidation), errors.Is(err, jsonmerge.ErrInvalidDocument):
		writeError(w, http.StatusUnauthorized, ErrCodeValidation, err.Error())
	default:
		writeInternalError(w, "internal server error")
	}
}
