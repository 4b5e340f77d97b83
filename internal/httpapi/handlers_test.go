package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/audit"
	"github.com/flyingrobots/spell-dispatcher/internal/config"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/lifecycle"
	"github.com/flyingrobots/spell-dispatcher/internal/registry"
	"github.com/flyingrobots/spell-dispatcher/internal/retention"
	"github.com/flyingrobots/spell-dispatcher/internal/store"
	"github.com/flyingrobots/spell-dispatcher/internal/supervisor"
)

const handlersTestRegistryYAML = `
version: "v1"
buttons:
  - button_id: "hello"
    spell_id: "samples/hello"
    version: "1.0.0"
    defaults:
      greeting: "hi"
    required_confirmations:
      risk: false
      billing: false
    allowed_roles: []
    allowed_tenants: []
`

type stubRunner struct {
	result supervisor.Result
}

func (r stubRunner) Run(ctx context.Context, j job.Job) supervisor.Result {
	return r.result
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "buttons.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(handlersTestRegistryYAML), 0o644))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	logger := zap.NewNop()
	logsDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))

	st := store.New(filepath.Join(logsDir, "index.json"), logger)
	st.Start()
	t.Cleanup(st.Close)

	auditLog := audit.New(filepath.Join(logsDir, "tenant-audit.jsonl"), 50, 10, 90)
	t.Cleanup(func() { _ = auditLog.Close() })

	gc := retention.New(logsDir, 30, 5000, logger)

	engine := lifecycle.New(lifecycle.Deps{
		Registry:       reg,
		Store:          st,
		Audit:          auditLog,
		Runner:         stubRunner{result: supervisor.Result{ExitCode: 0}},
		GC:             gc,
		Log:            logger,
		BodyLimitBytes: 1 << 20,
	})
	require.NoError(t, engine.Boot())

	cfg := &config.Config{
		RateLimitWindowMs:             60_000,
		RateLimitMaxRequests:          1000,
		TenantRateLimitWindowMs:       60_000,
		TenantRateLimitMaxRequests:    1000,
		MaxConcurrentExecutions:       100,
		TenantMaxConcurrentExecutions: 100,
		AuthKeys: []string{
			"acme:operator=acme-op-token",
			"acme:admin=acme-admin-token",
			"globex:operator=globex-op-token",
		},
	}
	adm, err := admission.New(cfg)
	require.NoError(t, err)

	return New(engine, adm, reg, logger, Config{RequestBodyLimitBytes: 1 << 20})
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandleHealthNoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleButtonsRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/buttons", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := authed(httptest.NewRequest(http.MethodGet, "/buttons", nil), "acme-op-token")
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)

	body := decodeBody(t, w2)
	buttons := body["buttons"].([]interface{})
	assert.Len(t, buttons, 1)
}

func TestHandleSubmitAndGet(t *testing.T) {
	s := newTestServer(t)

	reqBody, err := json.Marshal(map[string]interface{}{"button_id": "hello"})
	require.NoError(t, err)
	req := authed(httptest.NewRequest(http.MethodPost, "/spell-executions", bytes.NewReader(reqBody)), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decodeBody(t, w)
	execID := body["execution_id"].(string)
	assert.Equal(t, "acme", body["tenant_id"])
	assert.NotEmpty(t, execID)

	// Poll until the supervised goroutine lands a terminal state.
	var getBody map[string]interface{}
	for i := 0; i < 100; i++ {
		getReq := authed(httptest.NewRequest(http.MethodGet, "/spell-executions/"+execID, nil), "acme-op-token")
		getW := httptest.NewRecorder()
		s.ServeHTTP(getW, getReq)
		require.Equal(t, http.StatusOK, getW.Code)
		getBody = decodeBody(t, getW)
		execution := getBody["execution"].(map[string]interface{})
		if execution["status"] == job.StatusSucceeded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	execution := getBody["execution"].(map[string]interface{})
	assert.Equal(t, job.StatusSucceeded, execution["status"])
}

func TestHandleSubmitUnknownButton(t *testing.T) {
	s := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]interface{}{"button_id": "nope"})
	req := authed(httptest.NewRequest(http.MethodPost, "/spell-executions", bytes.NewReader(reqBody)), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, apierr.CodeButtonNotFound, body["error_code"])
}

func TestHandleGetTenantIsolation(t *testing.T) {
	s := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]interface{}{"button_id": "hello"})
	submitReq := authed(httptest.NewRequest(http.MethodPost, "/spell-executions", bytes.NewReader(reqBody)), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, submitReq)
	require.Equal(t, http.StatusAccepted, w.Code)
	execID := decodeBody(t, w)["execution_id"].(string)

	// Different tenant, non-admin role: GET by id is not tenant scoped.
	getReq := authed(httptest.NewRequest(http.MethodGet, "/spell-executions/"+execID, nil), "globex-op-token")
	getW := httptest.NewRecorder()
	s.ServeHTTP(getW, getReq)
	assert.Equal(t, http.StatusOK, getW.Code) // Get itself is not tenant scoped by the engine

	// Cancel across tenants without admin is forbidden.
	cancelReq := authed(httptest.NewRequest(http.MethodPost, "/spell-executions/"+execID+"/cancel", nil), "globex-op-token")
	cancelW := httptest.NewRecorder()
	s.ServeHTTP(cancelW, cancelReq)
	assert.Equal(t, http.StatusForbidden, cancelW.Code)
	assert.Equal(t, apierr.CodeTenantForbidden, decodeBody(t, cancelW)["error_code"])
}

func TestHandleInvalidExecutionID(t *testing.T) {
	s := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/spell-executions/not valid id!", nil), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierr.CodeInvalidExecutionID, decodeBody(t, w)["error_code"])
}

func TestHandleTenantUsageRequiresAdminForOtherTenant(t *testing.T) {
	s := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/tenants/globex/usage", nil), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminReq := authed(httptest.NewRequest(http.MethodGet, "/tenants/globex/usage", nil), "acme-admin-token")
	adminW := httptest.NewRecorder()
	s.ServeHTTP(adminW, adminReq)
	assert.Equal(t, http.StatusOK, adminW.Code)
}

func TestHandleSubmitBadJSON(t *testing.T) {
	s := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodPost, "/spell-executions", bytes.NewReader([]byte("not json"))), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIPrefixIsStripped(t *testing.T) {
	s := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/api/buttons", nil), "acme-op-token")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
