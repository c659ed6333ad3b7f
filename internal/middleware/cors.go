package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows browser clients from any origin to call the API.
var CORS = cors.Handler(cors.Options{
	AllowedOrigins:       []string{"*"},
	AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders:       []string{"Content-Type", "Authorization", "X-Request-Id"},
	MaxAge:               600,
	OptionsSuccessStatus: http.StatusNoContent,
})
