package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go-estate-market/internal/model"
	"go-estate-market/pkg/apierror"
	"go-estate-market/pkg/validator"
)

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apierror.BadRequest("invalid JSON body", "")
	}

	if err := validator.Validate(dst); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return apierror.BadRequest(verr.Error(), strings.Join(verr.Fields(), ","))
		}
		return apierror.BadRequest("invalid request body", "")
	}
	return nil
}

// writeError classifies err into the response envelope. Token failure
// subkinds all collapse into one UNAUTHORIZED answer.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := &model.APIError{
		Code:    "INTERNAL_ERROR",
		Message: "Unexpected server error",
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatus
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Details = apiErr.Details
		if status >= 500 {
			slog.Error("request failed", "code", apiErr.Code, "error", err.Error())
		}
	} else if errors.Is(err, model.ErrInvalidCredentials) {
		status = http.StatusUnauthorized
		body.Code = "INVALID_CREDENTIALS"
		body.Message = "Invalid email or password"
	} else if errors.Is(err, model.ErrAccountInactive) {
		status = http.StatusForbidden
		body.Code = "ACCOUNT_INACTIVE"
		body.Message = "Account is inactive"
	} else if errors.Is(err, model.ErrAccountDeleted) {
		status = http.StatusForbidden
		body.Code = "ACCOUNT_DELETED"
		body.Message = "Account has been deleted"
	} else if errors.Is(err, model.ErrInvalidRefreshToken) {
		status = http.StatusUnauthorized
		body.Code = "INVALID_REFRESH_TOKEN"
		body.Message = "Refresh token is not valid"
	} else if errors.Is(err, model.ErrTokenInvalid) ||
		errors.Is(err, model.ErrTokenExpired) ||
		errors.Is(err, model.ErrSessionRevoked) ||
		errors.Is(err, model.ErrUnauthorized) {
		status = http.StatusUnauthorized
		body.Code = "UNAUTHORIZED"
		body.Message = "Authentication required"
	} else if errors.Is(err, model.ErrForbidden) {
		status = http.StatusForbidden
		body.Code = "FORBIDDEN"
		body.Message = "Access denied"
	} else if errors.Is(err, model.ErrSessionConflict) {
		status = http.StatusConflict
		body.Code = "CONFLICT"
		body.Message = "Session was refreshed concurrently, retry the request"
	} else if errors.Is(err, model.ErrEmailTaken) {
		status = http.StatusConflict
		body.Code = "ALREADY_EXISTS"
		body.Message = "Email is already registered"
	} else if errors.Is(err, model.ErrSessionNotFound) {
		status = http.StatusNotFound
		body.Code = "NOT_FOUND"
		body.Message = "Session not found"
	} else if errors.Is(err, model.ErrPrincipalNotFound) {
		status = http.StatusNotFound
		body.Code = "NOT_FOUND"
		body.Message = "User not found"
	} else if errors.Is(err, model.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
		body.Code = "STORE_UNAVAILABLE"
		body.Message = "Service temporarily unavailable"
		slog.Error("session store unavailable", "error", err.Error())
	} else {
		slog.Error("unhandled error in writeError", "error", err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   body,
	})
}
