package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/audit"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/registry"
	"github.com/flyingrobots/spell-dispatcher/internal/retention"
	"github.com/flyingrobots/spell-dispatcher/internal/store"
	"github.com/flyingrobots/spell-dispatcher/internal/supervisor"
)

const testRegistryYAML = `
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

  - button_id: "deploy-prod"
    spell_id: "ops/deploy"
    version: "2.3.0"
    defaults: {}
    required_confirmations:
      risk: true
      billing: false
    allowed_roles:
      - "admin"
    allowed_tenants: []
`

// controlledRunner blocks Run on a per-call channel until the test releases
// it, letting cancel-during-run races be driven deterministically.
type controlledRunner struct {
	release chan supervisor.Result
	started chan struct{}
}

func newControlledRunner() *controlledRunner {
	return &controlledRunner{
		release: make(chan supervisor.Result, 1),
		started: make(chan struct{}, 1),
	}
}

func (r *controlledRunner) Run(ctx context.Context, j job.Job) supervisor.Result {
	r.started <- struct{}{}
	select {
	case res := <-r.release:
		return res
	case <-ctx.Done():
		return supervisor.Result{SpawnErr: ctx.Err()}
	}
}

// immediateRunner returns a fixed result without blocking.
type immediateRunner struct {
	result supervisor.Result
}

func (r immediateRunner) Run(ctx context.Context, j job.Job) supervisor.Result {
	return r.result
}

func newTestEngine(t *testing.T, runner Runner) *Engine {
	return newTestEngineWithDeps(t, runner, false)
}

func newTestEngineWithDeps(t *testing.T, runner Runner, forceRequireSignature bool) *Engine {
	t.Helper()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "buttons.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(testRegistryYAML), 0o644))
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

	e := New(Deps{
		Registry:              reg,
		Store:                 st,
		Audit:                 auditLog,
		Runner:                runner,
		GC:                    gc,
		Log:                   logger,
		BodyLimitBytes:        1 << 20,
		ForceRequireSignature: forceRequireSignature,
	})
	require.NoError(t, e.Boot())
	return e
}

func waitForStatus(t *testing.T, e *Engine, executionID string, status string, timeout time.Duration) *job.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, apiErr := e.Get(executionID)
		require.Nil(t, apiErr)
		if j.Status == status {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %s in time", executionID, status)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{ExitCode: 0}}
	e := newTestEngine(t, runner)

	j, replay, apiErr := e.Submit(SubmitRequest{
		ButtonID:  "hello",
		TenantID:  "acme",
		ActorRole: "operator",
	})
	require.Nil(t, apiErr)
	require.False(t, replay)
	assert.Equal(t, job.StatusQueued, j.Status)

	final := waitForStatus(t, e, j.ExecutionID, job.StatusSucceeded, time.Second)
	assert.Equal(t, "acme", final.TenantID)
	assert.Equal(t, "hi", final.Request.Input["greeting"])
}

func TestSubmitUnknownButton(t *testing.T) {
	e := newTestEngine(t, immediateRunner{})
	_, _, apiErr := e.Submit(SubmitRequest{ButtonID: "does-not-exist", TenantID: "acme"})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeButtonNotFound, apiErr.Code)
}

func TestSubmitRequiresRiskConfirmation(t *testing.T) {
	e := newTestEngine(t, immediateRunner{})
	_, _, apiErr := e.Submit(SubmitRequest{ButtonID: "deploy-prod", TenantID: "acme", ActorRole: "admin"})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeRiskConfirmation, apiErr.Code)
}

func TestSubmitRoleNotAllowed(t *testing.T) {
	e := newTestEngine(t, immediateRunner{})
	_, _, apiErr := e.Submit(SubmitRequest{
		ButtonID:     "deploy-prod",
		TenantID:     "acme",
		ActorRole:    "operator",
		Confirmation: job.Confirmation{RiskAcknowledged: true},
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeRoleNotAllowed, apiErr.Code)
}

func TestSubmitTimeout(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{TimedOut: true}}
	e := newTestEngine(t, runner)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)

	final := waitForStatus(t, e, j.ExecutionID, job.StatusTimeout, time.Second)
	assert.Equal(t, apierr.CodeExecutionTimeout, final.ErrorCode)
}

func TestIdempotentReplaySameFingerprint(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{ExitCode: 0}}
	e := newTestEngine(t, runner)

	req := SubmitRequest{
		ButtonID:       "hello",
		TenantID:       "acme",
		IdempotencyKey: "key-123",
	}

	first, replay1, apiErr := e.Submit(req)
	require.Nil(t, apiErr)
	require.False(t, replay1)

	waitForStatus(t, e, first.ExecutionID, job.StatusSucceeded, time.Second)

	second, replay2, apiErr := e.Submit(req)
	require.Nil(t, apiErr)
	assert.True(t, replay2)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
}

func TestIdempotencyConflictDifferentFingerprint(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{ExitCode: 0}})

	first, _, apiErr := e.Submit(SubmitRequest{
		ButtonID:       "hello",
		TenantID:       "acme",
		IdempotencyKey: "key-abc",
		Input:          map[string]interface{}{"greeting": "hi"},
	})
	require.Nil(t, apiErr)
	waitForStatus(t, e, first.ExecutionID, job.StatusSucceeded, time.Second)

	_, _, apiErr = e.Submit(SubmitRequest{
		ButtonID:       "hello",
		TenantID:       "acme",
		IdempotencyKey: "key-abc",
		Input:          map[string]interface{}{"greeting": "bonjour"},
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeIdempotencyConflict, apiErr.Code)
}

func TestIdempotencyExistsSkipsGateConsumption(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{ExitCode: 0}})
	assert.False(t, e.IdempotencyExists("acme", "key-1"))

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme", IdempotencyKey: "key-1"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, j.ExecutionID, job.StatusSucceeded, time.Second)

	assert.True(t, e.IdempotencyExists("acme", "key-1"))
	assert.False(t, e.IdempotencyExists("other-tenant", "key-1"))
}

func TestCancelDuringRun(t *testing.T) {
	runner := newControlledRunner()
	e := newTestEngine(t, runner)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}
	waitForStatus(t, e, j.ExecutionID, job.StatusRunning, time.Second)

	canceled, apiErr := e.Cancel(j.ExecutionID, "acme", "operator")
	require.Nil(t, apiErr)
	assert.Equal(t, job.StatusCanceled, canceled.Status)

	// The child eventually reporting success must not overwrite the cancel.
	runner.release <- supervisor.Result{ExitCode: 0}
	time.Sleep(50 * time.Millisecond)
	final, apiErr := e.Get(j.ExecutionID)
	require.Nil(t, apiErr)
	assert.Equal(t, job.StatusCanceled, final.Status)
}

func TestCancelAlreadyTerminal(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{ExitCode: 0}})
	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, j.ExecutionID, job.StatusSucceeded, time.Second)

	_, apiErr = e.Cancel(j.ExecutionID, "acme", "operator")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeAlreadyTerminal, apiErr.Code)
}

func TestCancelTenantIsolation(t *testing.T) {
	e := newTestEngine(t, newControlledRunner())
	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)

	_, apiErr = e.Cancel(j.ExecutionID, "other-tenant", "operator")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeTenantForbidden, apiErr.Code)

	// Admin may cancel across tenants.
	canceled, apiErr := e.Cancel(j.ExecutionID, "other-tenant", "admin")
	require.Nil(t, apiErr)
	assert.Equal(t, job.StatusCanceled, canceled.Status)
}

func TestRetryChainLinksAndCopiesInput(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{SpawnErr: assertError("boom")}})
	first, _, apiErr := e.Submit(SubmitRequest{
		ButtonID: "hello",
		TenantID: "acme",
		Input:    map[string]interface{}{"greeting": "hola"},
	})
	require.Nil(t, apiErr)
	failed := waitForStatus(t, e, first.ExecutionID, job.StatusFailed, time.Second)
	assert.Equal(t, apierr.CodeExecutionFailed, failed.ErrorCode)

	retried, apiErr := e.Retry(first.ExecutionID, "acme", "operator")
	require.Nil(t, apiErr)
	assert.Equal(t, first.ExecutionID, retried.RetryOf)
	assert.Equal(t, "hola", retried.Request.Input["greeting"])

	src, apiErr := e.Get(first.ExecutionID)
	require.Nil(t, apiErr)
	assert.Equal(t, retried.ExecutionID, src.RetriedBy)
}

func TestRetryNotRetryableWhileQueued(t *testing.T) {
	e := newTestEngine(t, newControlledRunner())
	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)

	_, apiErr = e.Retry(j.ExecutionID, "acme", "operator")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.CodeNotRetryable, apiErr.Code)
}

func TestListFiltersByTenantAndStatus(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{ExitCode: 0}})
	a, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, a.ExecutionID, job.StatusSucceeded, time.Second)

	b, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "globex"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, b.ExecutionID, job.StatusSucceeded, time.Second)

	results := e.List(job.ListFilter{TenantID: "acme", Limit: 100})
	require.Len(t, results, 1)
	assert.Equal(t, "acme", results[0].TenantID)
}

func TestBootReclassifiesInFlightAsServerRestarted(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "buttons.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(testRegistryYAML), 0o644))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	logger := zap.NewNop()
	logsDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))
	indexPath := filepath.Join(logsDir, "index.json")

	st := store.New(indexPath, logger)
	st.Start()
	pending := job.Job{
		ExecutionID: "exec_1_aaaaaaaa",
		ButtonID:    "hello",
		Status:      job.StatusRunning,
		TenantID:    "acme",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, <-st.Persist([]job.Job{pending}))
	st.Close()

	st2 := store.New(indexPath, logger)
	st2.Start()
	t.Cleanup(st2.Close)

	auditLog := audit.New(filepath.Join(logsDir, "tenant-audit.jsonl"), 50, 10, 90)
	t.Cleanup(func() { _ = auditLog.Close() })
	gc := retention.New(logsDir, 30, 5000, logger)

	e := New(Deps{
		Registry: reg,
		Store:    st2,
		Audit:    auditLog,
		Runner:   immediateRunner{},
		GC:       gc,
		Log:      logger,
	})
	require.NoError(t, e.Boot())

	restarted, apiErr := e.Get("exec_1_aaaaaaaa")
	require.Nil(t, apiErr)
	assert.Equal(t, job.StatusFailed, restarted.Status)
	assert.Equal(t, apierr.CodeServerRestarted, restarted.ErrorCode)
}

// assertError is a tiny error helper so tests don't need a fmt import just
// for one sentinel message.
type assertError string

func (e assertError) Error() string { return string(e) }

func TestSubmitForceRequireSignatureOverridesButtonDefault(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{ExitCode: 0}}
	e := newTestEngineWithDeps(t, runner, true)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	assert.True(t, j.RequireSignature, "force_require_signature must override a button with no signature requirement")
}

func TestSubmitWithoutForceRequireSignatureKeepsButtonDefault(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{ExitCode: 0}}
	e := newTestEngineWithDeps(t, runner, false)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	assert.False(t, j.RequireSignature)
}

func TestRetryRecomputesRequireSignatureFromCurrentConfig(t *testing.T) {
	e := newTestEngineWithDeps(t, immediateRunner{result: supervisor.Result{SpawnErr: assertError("boom")}}, false)
	first, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, first.ExecutionID, job.StatusFailed, time.Second)
	assert.False(t, first.RequireSignature)

	e.cfg.ForceRequireSignature = true
	retried, apiErr := e.Retry(first.ExecutionID, "acme", "operator")
	require.Nil(t, apiErr)
	assert.True(t, retried.RequireSignature, "retry must reflect the current force_require_signature setting, not the stale copy")
}

func TestSubmitTimeoutMessageIncludesConfiguredDuration(t *testing.T) {
	runner := immediateRunner{result: supervisor.Result{TimedOut: true, Timeout: 50 * time.Millisecond}}
	e := newTestEngine(t, runner)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)

	final := waitForStatus(t, e, j.ExecutionID, job.StatusTimeout, time.Second)
	assert.Contains(t, final.Message, "50ms")
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	e := newTestEngine(t, immediateRunner{result: supervisor.Result{ExitCode: 0}})

	var calls int
	id := e.Subscribe(func(string) { calls++ })
	e.Unsubscribe(id)

	j, _, apiErr := e.Submit(SubmitRequest{ButtonID: "hello", TenantID: "acme"})
	require.Nil(t, apiErr)
	waitForStatus(t, e, j.ExecutionID, job.StatusSucceeded, time.Second)

	assert.Equal(t, 0, calls, "unsubscribed callback must not be invoked")
}
