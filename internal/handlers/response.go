package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"classlock/internal/models"
	"classlock/internal/participant"
	"classlock/internal/session"
	"classlock/internal/transport"
)

// Shared helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, participant.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT", err.Error(), r))
	case errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, participant.ErrNotKicked),
		errors.Is(err, participant.ErrStopped):
		writeJSON(w, http.StatusConflict, errorResp("INVALID_STATE", err.Error(), r))
	case errors.Is(err, session.ErrUnknownStudent),
		errors.Is(err, participant.ErrUnknownCandidate):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", err.Error(), r))
	case errors.Is(err, transport.ErrAuth):
		writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", "Incorrect password", r))
	case errors.Is(err, transport.ErrRejected):
		writeJSON(w, http.StatusConflict, errorResp("REJECTED", err.Error(), r))
	case errors.Is(err, transport.ErrRegistrationTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorResp("TIMEOUT", err.Error(), r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}
