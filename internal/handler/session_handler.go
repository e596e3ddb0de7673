package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"go-estate-market/internal/middleware"
	"go-estate-market/internal/model"
	"go-estate-market/pkg/apierror"
)

type sessionService interface {
	ListSessions(ctx context.Context, principalID string) (model.SessionList, error)
	RevokeSession(ctx context.Context, principalID string, sessionID string) error
	RevokeAllSessions(ctx context.Context, principalID string) (int, error)
}

type SessionHandler struct {
	service sessionService
}

func NewSessionHandler(service sessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	list, err := h.service.ListSessions(r.Context(), identity.PrincipalID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, list)
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	sessionID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.RevokeSession(r.Context(), identity.PrincipalID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"revoked": sessionID})
}

// RevokeAll is the administrative kill switch for another principal's
// sessions. The route guard enforces users:manage.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	principalID, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	count, err := h.service.RevokeAllSessions(r.Context(), principalID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"principal_id": principalID, "revoked": count})
}

func uuidParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apierror.BadRequest(name+" must be a UUID", name)
	}
	return id.String(), nil
}
