package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"agent-spend-authorizer/internal/logging"
)

// RequestLogger attaches a logger carrying the chi request id to the request
// context. Mount it after chi's RequestID middleware.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logging.Logger.With().
				Str("request_id", chimw.GetReqID(r.Context())).
				Str("path", r.URL.Path).
				Logger()
			next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), l)))
		})
	}
}
