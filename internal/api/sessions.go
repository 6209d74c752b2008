package api

import (
	"net/http"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/identity"
	"github.com/ashureev/insight-wizard/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionHandler serves persisted analysis session records.
type SessionHandler struct {
	store store.SessionStore
	limit int
}

// NewSessionHandler creates a session handler returning at most limit records per listing.
func NewSessionHandler(s store.SessionStore, limit int) *SessionHandler {
	return &SessionHandler{store: s, limit: limit}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.List)
	r.Get("/api/sessions/{sessionId}", h.Get)
}

// List returns the caller's sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.store.ListByOwner(r.Context(), ownerID, h.limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Get returns one session. Records owned by someone else read as missing.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.UserIDFromContext(r.Context())

	session, err := h.store.Load(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if session.OwnerID != "" && session.OwnerID != ownerID {
		writeError(w, store.ErrNotFound)
		return
	}
	JSON(w, http.StatusOK, session)
}
