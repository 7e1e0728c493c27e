package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuth guards the job surface with a single shared backend key. Jobs
// are submitted service-to-service, so there is no per-user identity: the
// caller presents the key in X-API-Key or as a bearer token, and every route
// under /v1 requires it.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")

			// Authorization: Bearer <key> is accepted for callers whose HTTP
			// clients only know how to attach bearer credentials.
			if key == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if key == "" {
				respondError(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key or Authorization: Bearer <key>")
				return
			}

			// Constant-time comparison; response timing must not leak key bytes
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondError(w, http.StatusForbidden, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
