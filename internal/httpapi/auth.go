package httpapi

import (
	"context"
	"net/http"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
)

type ctxKey int

const authCtxKey ctxKey = 0

// requireAuth authorizes the request via the admission layer and stores the
// resulting AuthContext for handlers to read with authFrom. A rejection
// short-circuits with the admission layer's own status/code/message.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := s.admission.Authorize(r)
		if !authCtx.Authorized() {
			writeErr(w, authCtx.Err)
			return
		}
		ctx := context.WithValue(r.Context(), authCtxKey, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func authFrom(r *http.Request) admission.AuthContext {
	ac, _ := r.Context().Value(authCtxKey).(admission.AuthContext)
	return ac
}
