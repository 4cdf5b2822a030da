package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("write response", "error", err)
		}
	}
}

// writeError maps an error to its HTTP status and envelope.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    apperr.CodeInternal,
			Message: "internal error",
		})
		return
	}

	writeJSON(w, statusForCode(appErr.Code), errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// statusForCode maps error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case apperr.CodeInvalidInput, apperr.CodeQueryEmpty, apperr.CodeInvalidLimit,
		apperr.CodeConfigInvalid:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeCrossUser:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeDuplicate:
		return http.StatusConflict
	case apperr.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.CodeUnsupported:
		return http.StatusUnsupportedMediaType
	case apperr.CodeBackpressure:
		return http.StatusServiceUnavailable
	case apperr.CodeEmbedderUnavailable, apperr.CodeRerankerUnavailable,
		apperr.CodeLLMUnavailable, apperr.CodeExternalSearch:
		return http.StatusBadGateway
	case apperr.CodeTimeout, apperr.CodeNetworkTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
