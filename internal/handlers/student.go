package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"classlock/internal/participant"
	"classlock/internal/protocol"
)

type StudentHandler struct {
	client *participant.Client
}

func NewStudentHandler(client *participant.Client) *StudentHandler {
	return &StudentHandler{client: client}
}

type connectRequest struct {
	// Class is the candidate's session id or host:port.
	Class    string `json:"class"`
	Name     string `json:"name"`
	Grade    string `json:"grade"`
	Password string `json:"password"`
}

func (h *StudentHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": h.client.Candidates(),
	})
}

func (h *StudentHandler) Discover(w http.ResponseWriter, r *http.Request) {
	if err := h.client.StartDiscovery(); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StudentHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Class) == "" {
		fields["class"] = "required"
	}
	if strings.TrimSpace(req.Name) == "" {
		fields["name"] = "required"
	}
	if strings.TrimSpace(req.Grade) == "" {
		fields["grade"] = "required"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	identity := protocol.UserInfo{Name: strings.TrimSpace(req.Name), Grade: strings.TrimSpace(req.Grade)}
	if err := h.client.ConnectToClass(r.Context(), req.Class, identity, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StudentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Acknowledge(); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StudentHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Disconnect(); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StudentHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StudentHandler) status() map[string]interface{} {
	return map[string]interface{}{
		"state":  h.client.State(),
		"locked": h.client.Locked(),
	}
}
