package handler

import (
	"context"
	"net/http"
	"strings"

	"go-estate-market/internal/middleware"
	"go-estate-market/internal/model"
	"go-estate-market/internal/service"
	"go-estate-market/internal/token"
	"go-estate-market/pkg/apierror"
)

type authService interface {
	Login(ctx context.Context, in service.LoginInput) (model.LoginResult, error)
	Register(ctx context.Context, in service.LoginInput) (model.LoginResult, error)
	Refresh(ctx context.Context, refresh token.RefreshToken) (model.RefreshResult, error)
	Logout(ctx context.Context, access token.AccessToken) error
	Principal(ctx context.Context, id string) (model.PrincipalView, error)
}

type AuthHandler struct {
	service    authService
	trustProxy bool
}

func NewAuthHandler(service authService, trustProxy bool) *AuthHandler {
	return &AuthHandler{service: service, trustProxy: trustProxy}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload model.LoginRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	if strings.TrimSpace(payload.Email) == "" || payload.Password == "" {
		writeError(w, apierror.BadRequest("email and password are required", ""))
		return
	}

	result, err := h.service.Login(r.Context(), service.LoginInput{
		Email:    payload.Email,
		Password: payload.Password,
		Client:   h.clientMeta(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, result)
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var payload model.RegisterRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.service.Register(r.Context(), service.LoginInput{
		Email:    payload.Email,
		Password: payload.Password,
		Client:   h.clientMeta(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, result)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var payload model.RefreshRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	payload.RefreshToken = strings.TrimSpace(payload.RefreshToken)
	if payload.RefreshToken == "" {
		writeError(w, apierror.BadRequest("refresh_token is required", "refresh_token"))
		return
	}

	result, err := h.service.Refresh(r.Context(), token.RefreshToken(payload.RefreshToken))
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, result)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	access, ok := middleware.AccessTokenFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	if err := h.service.Logout(r.Context(), access); err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	view, err := h.service.Principal(r.Context(), identity.PrincipalID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, view)
}

func (h *AuthHandler) clientMeta(r *http.Request) model.ClientMeta {
	ua := r.UserAgent()
	if len(ua) > 512 {
		ua = ua[:512]
	}
	return model.ClientMeta{
		IP:        middleware.ClientIP(r, h.trustProxy),
		UserAgent: ua,
	}
}
