package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/clock"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/lifecycle"
)

func (s *Server) handleButtons(w http.ResponseWriter, r *http.Request) {
	buttons := s.reg.All()
	writeOK(w, http.StatusOK, map[string]interface{}{
		"version": s.reg.Version(),
		"buttons": buttons,
	})
}

type submitBody struct {
	ButtonID     string                 `json:"button_id"`
	Input        map[string]interface{} `json:"input"`
	DryRun       bool                   `json:"dry_run"`
	Confirmation job.Confirmation       `json:"confirmation"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r)

	raw, apiErr := admission.ReadBody(r, s.bodyLimit)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	var body submitBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeErr(w, apierr.BadRequest("request body is not valid JSON"))
		return
	}
	if body.ButtonID == "" {
		writeErr(w, apierr.BadRequest("button_id is required"))
		return
	}

	idemKey, apiErr := admission.ValidateIdempotencyKey(r.Header.Get("Idempotency-Key"))
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}

	if !s.engine.IdempotencyExists(authCtx.Tenant, idemKey) {
		now := clock.Now()
		if apiErr := s.admission.CheckConcurrency(s.engine, authCtx.Tenant); apiErr != nil {
			writeErr(w, apiErr)
			return
		}
		if apiErr := s.admission.CheckRate(r, authCtx.Tenant, now); apiErr != nil {
			writeErr(w, apiErr)
			return
		}
	}

	j, replay, apiErr := s.engine.Submit(lifecycle.SubmitRequest{
		ButtonID:       body.ButtonID,
		Input:          body.Input,
		DryRun:         body.DryRun,
		Confirmation:   body.Confirmation,
		IdempotencyKey: idemKey,
		TenantID:       authCtx.Tenant,
		ActorRole:      authCtx.Role,
	})
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}

	resp := map[string]interface{}{
		"execution_id": j.ExecutionID,
		"tenant_id":    j.TenantID,
		"status":       j.Status,
	}
	if replay {
		resp["idempotent_replay"] = true
	}
	writeOK(w, http.StatusAccepted, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	authCtx := authFrom(r)
	filter, apiErr := parseListFilter(r.URL.Query(), authCtx.Tenant, authCtx.Role)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	executions := s.engine.List(filter)
	writeOK(w, http.StatusOK, map[string]interface{}{
		"filters":    filter,
		"executions": executions,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if apiErr := validateExecutionID(id); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	j, apiErr := s.engine.Get(id)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"execution": j,
		"receipt":   j.Receipt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if apiErr := validateExecutionID(id); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	authCtx := authFrom(r)
	j, apiErr := s.engine.Cancel(id, authCtx.Tenant, authCtx.Role)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"execution_id": j.ExecutionID,
		"tenant_id":    j.TenantID,
		"status":       j.Status,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if apiErr := validateExecutionID(id); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	authCtx := authFrom(r)

	if apiErr := s.admission.CheckConcurrency(s.engine, authCtx.Tenant); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if apiErr := s.admission.CheckRate(r, authCtx.Tenant, clock.Now()); apiErr != nil {
		writeErr(w, apiErr)
		return
	}

	j, apiErr := s.engine.Retry(id, authCtx.Tenant, authCtx.Role)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": j.ExecutionID,
		"tenant_id":    j.TenantID,
		"status":       j.Status,
		"retry_of":     j.RetryOf,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if apiErr := validateExecutionID(id); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	authCtx := authFrom(r)
	j, apiErr := s.engine.Get(id)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if apiErr := validateTenantScope(authCtx.Role, authCtx.Tenant, j.TenantID); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	s.streamExecution(w, r, id)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if apiErr := validateExecutionID(id); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, apierr.New(http.StatusBadRequest, apierr.CodeInvalidOutputPath, "path query parameter is required"))
		return
	}

	authCtx := authFrom(r)
	j, apiErr := s.engine.Get(id)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if apiErr := validateTenantScope(authCtx.Role, authCtx.Tenant, j.TenantID); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	if j.RuntimeLogPath == "" {
		writeErr(w, apierr.New(http.StatusConflict, apierr.CodeExecutionNotRdy, "runtime log path not yet recorded"))
		return
	}

	value, apiErr := resolveOutputPath(j.Receipt, path)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"path":         path,
		"value":        value,
	})
}

func (s *Server) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if apiErr := validateTenantID(tenantID); apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	authCtx := authFrom(r)
	if authCtx.Role != "admin" && authCtx.Tenant != tenantID {
		writeErr(w, apierr.New(http.StatusForbidden, apierr.CodeAdminRoleReq, "admin role required to view another tenant's usage"))
		return
	}
	usage := s.engine.TenantUsage(tenantID)
	writeOK(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"usage": map[string]interface{}{
			"queued":               usage.Queued,
			"running":              usage.Running,
			"submissions_last_24h": usage.SubmissionsLast24h,
		},
	})
}
