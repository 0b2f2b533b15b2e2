package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// protect requires the configured bearer token on h. Without a token h is
// returned unchanged.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.config.AuthToken == "" {
		return h
	}
	token := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(provided), token) != 1 {
			s.logger.Debug("rejected unauthenticated request", "path", r.URL.Path, "has_credentials", ok)
			w.Header().Set("WWW-Authenticate", `Bearer realm="offline-sync"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":      "unauthorized",
				"request_id": w.Header().Get("X-Request-ID"),
			})
			return
		}
		h(w, r)
	})
}

// bearerToken extracts the token of an Authorization: Bearer header. The
// scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
