package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/spell-dispatcher/internal/obs"
)

// requestIDMiddleware stamps every response with X-Request-ID (generating
// one if the caller didn't supply it) and logs method/path/status/request_id
// on completion.
func requestIDMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			if log != nil {
				log.Info("request",
					obs.String("request_id", reqID),
					obs.String("method", r.Method),
					obs.String("path", r.URL.Path),
					obs.Int("status", rw.status),
				)
			}
		})
	}
}

// statusRecorder captures the status code a handler wrote so it can be
// logged after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware allows the configured origins to reach the API. An empty
// list allows every origin (the request's Origin is echoed back); a "*"
// entry is matched literally like any other origin.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Api-Key, Content-Type, Idempotency-Key")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware converts a panic anywhere in the handler chain into a
// 500 INTERNAL_ERROR response instead of crashing the listener.
func recoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.Error("panic recovered", obs.String("path", r.URL.Path), zap.Any("panic", rec))
					}
					writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
						"ok":         false,
						"error_code": "INTERNAL_ERROR",
						"message":    "internal server error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// stripAPIPrefix removes a leading "/api" from the request path before it
// reaches the router, per spec §6.
func stripAPIPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, "/api")
		} else if r.URL.Path == "/api" {
			r.URL.Path = "/"
		}
		next.ServeHTTP(w, r)
	})
}
