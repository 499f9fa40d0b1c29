package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/internal/observe"
)

// Wire error codes, shared with the event protocol.
const (
	codeValidation = "VALIDATION"
	codeNotFound   = "NOT_FOUND"
	codeAuth       = "AUTH"
	codeUpstream   = "UPSTREAM"
	codeInternal   = "INTERNAL"
)

// apiError is a transport-level failure with an HTTP status and wire code.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

// errorBody is the JSON error response shape.
type errorBody struct {
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError renders err as a JSON error response. Unclassified errors
// become 500 INTERNAL with a correlation id for log lookup.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, errorBody{Error: apiErr.Message, ErrorCode: apiErr.Code})
		return
	}

	var recErr *conversation.RecognitionError
	if errors.As(err, &recErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: recErr.Error(), ErrorCode: codeValidation})
		return
	}

	cid := observe.CorrelationID(r.Context())
	slog.Error("request failed", "path", r.URL.Path, "trace_id", cid, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:         "internal server error",
		ErrorCode:     codeInternal,
		CorrelationID: cid,
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

// decodeJSONBody decodes the request body into v, classifying failures as
// VALIDATION errors.
func decodeJSONBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// badRequest builds a VALIDATION apiError.
func badRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: codeValidation, Message: msg}
}

// notFound builds a NOT_FOUND apiError.
func notFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: codeNotFound, Message: msg}
}
