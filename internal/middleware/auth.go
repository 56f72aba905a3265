package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"agent-spend-authorizer/internal/logging"
)

// RequireBearer admits requests carrying "Authorization: Bearer <secret>".
// An empty secret rejects everything so an unconfigured route stays closed.
func RequireBearer(secret, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				logging.Component("auth").Warn().
					Str("realm", realm).
					Str("path", r.URL.Path).
					Str("client", GetClientKey(r)).
					Msg("rejected unauthenticated request")
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
