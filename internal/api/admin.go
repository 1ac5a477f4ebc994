package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"meeshy/internal/models"
)

type Registry interface {
	ForceDisconnect(identityID string) int
	Connections(identityID string) []string
	IsOnline(identityID string) bool
	LastActive(identityID string) time.Time
}

type PresenceStore interface {
	GetPresence(identityID string) (models.Presence, error)
}

type AdminHandler struct {
	registry Registry
	store    PresenceStore
}

func NewAdminHandler(registry Registry, store PresenceStore) *AdminHandler {
	return &AdminHandler{registry: registry, store: store}
}

type DisconnectResponse struct {
	Closed int `json:"closed"`
}

type PresenceResponse struct {
	IdentityID  string `json:"identityId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
	LastActive  int64  `json:"lastActive,omitempty"`
}

// DisconnectHandler closes every live connection of an identity.
func (h *AdminHandler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	identityID := r.PathValue("id")
	if identityID == "" {
		http.Error(w, "Identity ID is required", http.StatusBadRequest)
		return
	}

	closed := h.registry.ForceDisconnect(identityID)
	slog.Info("admin disconnect", "identity_id", identityID, "closed", closed)
	writeJSON(w, http.StatusOK, DisconnectResponse{Closed: closed})
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	identityID := r.PathValue("id")
	if identityID == "" {
		http.Error(w, "Identity ID is required", http.StatusBadRequest)
		return
	}

	resp := PresenceResponse{
		IdentityID:  identityID,
		Online:      h.registry.IsOnline(identityID),
		Connections: len(h.registry.Connections(identityID)),
	}

	p, err := h.store.GetPresence(identityID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		if !resp.Online {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Message: "Identity has never connected"})
			return
		}
	case err != nil:
		slog.Error("presence lookup failed", "identity_id", identityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "Failed to read presence"})
		return
	default:
		resp.LastSeen = p.LastSeen
		resp.LastActive = p.LastActive
	}
	// The stored row lags behind live connections.
	if resp.Online {
		if t := h.registry.LastActive(identityID); !t.IsZero() {
			resp.LastActive = t.Unix()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
