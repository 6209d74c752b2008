// Package middleware provides HTTP middleware for the wizard API.
package middleware

import (
	"net/http"
	"slices"

	"github.com/ashureev/insight-wizard/internal/identity"
)

// CORS returns middleware that handles CORS headers for the listed origins.
// "*" echoes any origin but never enables credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowHeaders := "Content-Type, " + identity.TabHeaderName

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)

			if explicit || slices.Contains(allowedOrigins, "*") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Add("Vary", "Origin")
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
