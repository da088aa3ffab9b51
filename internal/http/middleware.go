package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"deskrelay/internal/auth"
)

// ControlAuth requires the control token as a bearer credential. Browsers
// cannot set headers on EventSource, so a token query parameter is accepted
// too.
func ControlAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			presented, ok := auth.BearerToken(req.Header.Get("Authorization"))
			if !ok {
				presented = req.URL.Query().Get("token")
			}
			if presented == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"ok":    false,
					"error": "Missing authorization token",
				})
				return
			}
			if !auth.ConstantTimeEquals(presented, token) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"ok":    false,
					"error": "Invalid token",
				})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// RequestLogger logs one line per request once it completes.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				event := logger.Debug()
				if status >= http.StatusInternalServerError {
					event = logger.Warn()
				}
				event.
					Str("request_id", middleware.GetReqID(req.Context())).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, req)
		})
	}
}
