package middleware

import (
	"encoding/json"
	"net/http"

	"go-estate-market/internal/model"
)

func jsonEncode(w http.ResponseWriter, value any) error {
	return json.NewEncoder(w).Encode(value)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, body *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncode(w, model.APIResponse{Success: false, Error: body})
}
