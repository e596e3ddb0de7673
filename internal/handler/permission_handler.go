package handler

import (
	"net/http"
	"strings"

	"go-estate-market/internal/middleware"
	"go-estate-market/internal/model"
	"go-estate-market/internal/permission"
	"go-estate-market/pkg/apierror"
)

type PermissionHandler struct {
	resolver *permission.Resolver
}

func NewPermissionHandler(resolver *permission.Resolver) *PermissionHandler {
	return &PermissionHandler{resolver: resolver}
}

// Check answers whether the caller's role grants one permission.
func (h *PermissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	perm := strings.TrimSpace(r.URL.Query().Get("permission"))
	if perm == "" {
		writeError(w, apierror.BadRequest("permission query parameter is required", "permission"))
		return
	}

	writeSuccess(w, http.StatusOK, model.PermissionCheck{
		Permission: perm,
		Allowed:    h.resolver.HasPermission(identity.Role, perm),
	})
}
