package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{
			requestIDHeader,
			"Retry-After",
			headerRateLimitLimit,
			headerRateLimitRemaining,
			headerRateLimitReset,
		},
		MaxAge:           3600,
		AllowCredentials: false,
	})

	return handler.Handler
}
