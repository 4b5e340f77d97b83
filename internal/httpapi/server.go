// Package httpapi exposes the dispatcher's HTTP route table: button
// listing, execution submission/query/cancel/retry, SSE event streams,
// output-reference lookups, and tenant usage — as described in spec §6.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
	"github.com/flyingrobots/spell-dispatcher/internal/lifecycle"
	"github.com/flyingrobots/spell-dispatcher/internal/registry"
)

// Server bundles the HTTP route table over the lifecycle engine, admission
// layer, and button registry.
type Server struct {
	engine    *lifecycle.Engine
	admission *admission.Layer
	reg       *registry.Registry
	log       *zap.Logger
	router    *mux.Router
	handler   http.Handler
	bodyLimit int64
}

// Config carries the few HTTP-layer-specific knobs not already owned by
// admission/lifecycle.
type Config struct {
	CORSAllowedOrigins    []string
	RequestBodyLimitBytes int64
}

// New builds the full route table, wrapped in the request-id, recovery,
// CORS, and /api-prefix-stripping middleware chain.
func New(engine *lifecycle.Engine, adm *admission.Layer, reg *registry.Registry, log *zap.Logger, cfg Config) *Server {
	s := &Server{engine: engine, admission: adm, reg: reg, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/buttons", s.requireAuth(s.handleButtons)).Methods(http.MethodGet)
	r.HandleFunc("/spell-executions", s.requireAuth(s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/spell-executions", s.requireAuth(s.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/spell-executions/{id}", s.requireAuth(s.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/spell-executions/{id}/cancel", s.requireAuth(s.handleCancel)).Methods(http.MethodPost)
	r.HandleFunc("/spell-executions/{id}/retry", s.requireAuth(s.handleRetry)).Methods(http.MethodPost)
	r.HandleFunc("/spell-executions/{id}/events", s.requireAuth(s.handleEvents)).Methods(http.MethodGet)
	r.HandleFunc("/spell-executions/{id}/output", s.requireAuth(s.handleOutput)).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{id}/usage", s.requireAuth(s.handleTenantUsage)).Methods(http.MethodGet)

	s.router = r

	var handler http.Handler = r
	handler = corsMiddleware(cfg.CORSAllowedOrigins)(handler)
	handler = requestIDMiddleware(log)(handler)
	handler = recoveryMiddleware(log)(handler)
	handler = stripAPIPrefix(handler)
	s.handler = handler
	s.bodyLimit = cfg.RequestBodyLimitBytes

	return s
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, nil)
}
