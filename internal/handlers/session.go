package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"classlock/internal/session"
)

// SessionHandler serves the controller UI: starting and stopping the
// class and issuing lock, unlock and kick commands.
type SessionHandler struct {
	manager *session.Manager
}

func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	info, err := h.manager.Start(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// Stop kicks every student before tearing the session down.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Shutdown(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session stopped"})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.Session()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *SessionHandler) ListStudents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"students": h.manager.Roster(),
	})
}

func (h *SessionHandler) Attendance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attendance": h.manager.Attendance(),
	})
}

func (h *SessionHandler) LockAll(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.manager.LockAll, "All students locked")
}

func (h *SessionHandler) UnlockAll(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.manager.UnlockAll, "All students unlocked")
}

func (h *SessionHandler) KickAll(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.manager.KickAll, "All students removed")
}

func (h *SessionHandler) LockStudent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h.command(w, r, func() error { return h.manager.LockStudent(key) }, "Student locked")
}

func (h *SessionHandler) UnlockStudent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h.command(w, r, func() error { return h.manager.UnlockStudent(key) }, "Student unlocked")
}

func (h *SessionHandler) KickStudent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	h.command(w, r, func() error { return h.manager.KickStudent(key) }, "Student removed")
}

func (h *SessionHandler) command(w http.ResponseWriter, r *http.Request, run func() error, message string) {
	if err := run(); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}
