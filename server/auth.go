package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware requires the configured Bearer token on /check requests.
// With no token configured every request passes through. The other routes
// carry no user data and stay open for health checks and scrapers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeText(w, http.StatusUnauthorized, "Error: unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiresAuth(path string) bool {
	return path == "/check" || strings.HasPrefix(path, "/check/")
}
