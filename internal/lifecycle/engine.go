// Package lifecycle implements the job state machine: submission with
// idempotency dedup, cancel, retry chains, filtered listing, and durable
// persistence after every transition. It owns the in-memory execution index
// and is the single place job.Job records are mutated.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/audit"
	"github.com/flyingrobots/spell-dispatcher/internal/clock"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/obs"
	"github.com/flyingrobots/spell-dispatcher/internal/registry"
	"github.com/flyingrobots/spell-dispatcher/internal/retention"
	"github.com/flyingrobots/spell-dispatcher/internal/sanitize"
	"github.com/flyingrobots/spell-dispatcher/internal/store"
	"github.com/flyingrobots/spell-dispatcher/internal/supervisor"
	"go.uber.org/zap"
)

// Runner is the subset of *supervisor.Supervisor the engine depends on,
// kept as an interface so tests can inject a stub child-process runner.
type Runner interface {
	Run(ctx context.Context, j job.Job) supervisor.Result
}

// Subscriber receives a callback every time a job's snapshot changes, used
// by the HTTP layer's SSE streams in place of a bare polling timer.
type Subscriber func(executionID string)

// SubmitRequest is the admitted, validated shape a POST /spell-executions
// body reduces to before it reaches the engine.
type SubmitRequest struct {
	ButtonID       string
	Input          map[string]interface{}
	DryRun         bool
	Confirmation   job.Confirmation
	IdempotencyKey string
	TenantID       string
	ActorRole      string
}

// Engine owns the in-memory execution index and every state transition.
type Engine struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	idemKey map[string]string // "tenant\x00key" -> execution_id

	cfg      *retentionConfig
	reg      *registry.Registry
	store    *store.Store
	auditLog *audit.Logger
	runner   Runner
	gc       *retention.Runner
	log      *zap.Logger

	runtime map[string]context.CancelFunc

	subMu       sync.Mutex
	subID       int
	subscribers map[int]Subscriber
}

// retentionConfig is the narrow slice of *config.Config the engine needs,
// kept local so this file doesn't import the config package wholesale.
type retentionConfig struct {
	RequestBodyLimitBytes int64
	ForceRequireSignature bool
}

// Deps bundles Engine's constructor dependencies.
type Deps struct {
	Registry              *registry.Registry
	Store                 *store.Store
	Audit                 *audit.Logger
	Runner                Runner
	GC                    *retention.Runner
	Log                   *zap.Logger
	BodyLimitBytes        int64
	ForceRequireSignature bool
}

// New constructs an Engine. Call Boot before serving traffic.
func New(d Deps) *Engine {
	return &Engine{
		jobs:        make(map[string]*job.Job),
		idemKey:     make(map[string]string),
		runtime:     make(map[string]context.CancelFunc),
		subscribers: make(map[int]Subscriber),
		cfg: &retentionConfig{
			RequestBodyLimitBytes: d.BodyLimitBytes,
			ForceRequireSignature: d.ForceRequireSignature,
		},
		reg:      d.Registry,
		store:    d.Store,
		auditLog: d.Audit,
		runner:   d.Runner,
		gc:       d.GC,
		log:      d.Log,
	}
}

// Boot loads the durable index, reclassifies any in-flight job as
// SERVER_RESTARTED (the supervisor state that tracked it is gone), persists
// the corrected index, and runs an initial retention sweep.
func (e *Engine) Boot() error {
	loaded, err := e.store.Load()
	if err != nil {
		return err
	}
	now := clock.Now()
	changed := false
	for i := range loaded {
		j := loaded[i]
		if job.InFlight(j.Status) {
			j.Status = job.StatusFailed
			j.ErrorCode = apierr.CodeServerRestarted
			j.Message = "server restarted while execution was in flight"
			j.FinishedAt = &now
			changed = true
		}
		cp := j
		e.jobs[cp.ExecutionID] = &cp
		if cp.IdempotencyKey != "" {
			e.idemKey[idemMapKey(cp.TenantID, cp.IdempotencyKey)] = cp.ExecutionID
		}
	}
	if changed {
		e.persistLocked()
	}
	e.runRetention()
	return nil
}

// Subscribe registers a callback invoked (best-effort, non-blocking) on
// every observed job mutation. The returned id must be passed to
// Unsubscribe once the caller stops listening, or the callback leaks for
// the lifetime of the process.
func (e *Engine) Subscribe(s Subscriber) int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subID++
	id := e.subID
	e.subscribers[id] = s
	return id
}

// Unsubscribe removes a callback previously registered with Subscribe. It
// is safe to call more than once.
func (e *Engine) Unsubscribe(id int) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	delete(e.subscribers, id)
}

func (e *Engine) notify(executionID string) {
	e.subMu.Lock()
	subs := make([]Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	e.subMu.Unlock()
	for _, s := range subs {
		s(executionID)
	}
}

func idemMapKey(tenant, key string) string {
	return tenant + "\x00" + key
}

// CountInFlight satisfies admission.InFlightCounter.
func (e *Engine) CountInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		if job.InFlight(j.Status) {
			n++
		}
	}
	return n
}

// IdempotencyExists reports whether (tenant, key) already maps to a
// persisted job, letting the HTTP layer skip concurrency/rate gate
// consumption for what is about to be a replay or conflict response rather
// than a fresh submission (spec §4.1: "no gate consumption" on replay).
func (e *Engine) IdempotencyExists(tenant, key string) bool {
	if key == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.idemKey[idemMapKey(tenant, key)]
	return ok
}

// CountInFlightForTenant satisfies admission.InFlightCounter.
func (e *Engine) CountInFlightForTenant(tenant string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		if j.TenantID == tenant && job.InFlight(j.Status) {
			n++
		}
	}
	return n
}

// snapshotLocked returns a deep-cloned, deterministically ordered slice of
// every job for persistence. Must be called with e.mu held.
func (e *Engine) snapshotLocked() []job.Job {
	out := make([]job.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ExecutionID < out[k].ExecutionID })
	return out
}

// persistLocked enqueues a persist and blocks for its completion while
// e.mu is held by the caller's outer critical section plan — callers must
// instead snapshot, unlock, then call persistAndWait; this helper exists
// only for Boot, which has no concurrent readers yet.
func (e *Engine) persistLocked() {
	snapshot := e.snapshotLocked()
	if err := <-e.store.Persist(snapshot); err != nil && e.log != nil {
		e.log.Error("persist index failed", obs.Err(err))
	}
}

// persistAndWait enqueues a persist of snapshot and blocks until it lands
// (spec: the POST response cannot return until the queued job has been
// persisted). A failure here is logged but never turned into a client
// error — persistence failures are swallowed into the best-effort queue.
func (e *Engine) persistAndWait(snapshot []job.Job) {
	if err := <-e.store.Persist(snapshot); err != nil && e.log != nil {
		e.log.Error("persist index failed", obs.Err(err))
	}
}

func (e *Engine) recordAudit(j *job.Job) {
	if e.auditLog == nil {
		return
	}
	entry := audit.Entry{
		Timestamp:   clock.Now(),
		TenantID:    j.TenantID,
		ExecutionID: j.ExecutionID,
		ButtonID:    j.ButtonID,
		Status:      j.Status,
		ActorRole:   j.ActorRole,
		ErrorCode:   j.ErrorCode,
	}
	if err := e.auditLog.Log(entry); err != nil && e.log != nil {
		e.log.Error("audit log write failed", obs.Err(err))
	}
}

// RunRetentionSweep triggers an out-of-band retention sweep, used by the
// cron safety net in addition to the boot-time and terminal-transition
// triggers this package fires on its own.
func (e *Engine) RunRetentionSweep() {
	e.runRetention()
}

func (e *Engine) runRetention() {
	if e.gc == nil {
		return
	}
	e.mu.Lock()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	removed, changed, err := e.gc.Sweep(snapshot)
	if err != nil {
		if e.log != nil {
			e.log.Warn("retention sweep failed", obs.Err(err))
		}
		return
	}
	if !changed || len(removed) == 0 {
		return
	}
	e.mu.Lock()
	for _, id := range removed {
		if j, ok := e.jobs[id]; ok {
			if j.IdempotencyKey != "" {
				delete(e.idemKey, idemMapKey(j.TenantID, j.IdempotencyKey))
			}
			delete(e.jobs, id)
		}
	}
	after := e.snapshotLocked()
	e.mu.Unlock()
	e.persistAndWait(after)
}

// Submit validates admission-layer-approved request shape against the
// button registry, merges defaults, deduplicates by idempotency key, and
// (on success) persists a queued job and spawns its supervisor goroutine.
func (e *Engine) Submit(req SubmitRequest) (j *job.Job, replay bool, apiErr *apierr.Error) {
	button, ok := e.reg.Lookup(req.ButtonID)
	if !ok {
		return nil, false, apierr.New(http.StatusNotFound, apierr.CodeButtonNotFound, "unknown button_id")
	}
	if !button.RoleAllowed(req.ActorRole) {
		return nil, false, apierr.New(http.StatusForbidden, apierr.CodeRoleNotAllowed, "role not permitted for this button")
	}
	if !button.TenantAllowed(req.TenantID) {
		return nil, false, apierr.New(http.StatusForbidden, apierr.CodeTenantNotAllowed, "tenant not permitted for this button")
	}
	if button.RequiredConfirmations.Risk && !req.Confirmation.RiskAcknowledged {
		return nil, false, apierr.New(http.StatusBadRequest, apierr.CodeRiskConfirmation, "risk confirmation required")
	}
	if button.RequiredConfirmations.Billing && !req.Confirmation.BillingAcknowledged {
		return nil, false, apierr.New(http.StatusBadRequest, apierr.CodeBillingConfirm, "billing confirmation required")
	}

	mergedInput := mergeInput(button.Defaults, req.Input)
	if size, ok := approxJSONSize(mergedInput); ok && int64(size) > e.cfg.RequestBodyLimitBytes {
		return nil, false, apierr.New(http.StatusRequestEntityTooLarge, apierr.CodeInputTooLarge, "merged input exceeds body size limit")
	}

	idemKey, keyErr := validateIdemKeyOrEmpty(req.IdempotencyKey)
	if keyErr != nil {
		return nil, false, keyErr
	}

	var fingerprint string
	if idemKey != "" {
		fp, err := sanitize.Fingerprint(sanitize.FingerprintInput{
			TenantID: req.TenantID,
			ButtonID: req.ButtonID,
			Input:    mergedInput,
			DryRun:   req.DryRun,
			Confirmation: sanitize.Confirmation{
				RiskAcknowledged:    req.Confirmation.RiskAcknowledged,
				BillingAcknowledged: req.Confirmation.BillingAcknowledged,
			},
			ActorRole: req.ActorRole,
		})
		if err != nil {
			return nil, false, apierr.Internal("failed to compute idempotency fingerprint")
		}
		fingerprint = fp
	}

	e.mu.Lock()
	if idemKey != "" {
		mapKey := idemMapKey(req.TenantID, idemKey)
		if existingID, ok := e.idemKey[mapKey]; ok {
			existing := e.jobs[existingID]
			if existing.IdempotencyFingerprint == fingerprint {
				clone := existing.Clone()
				e.mu.Unlock()
				return clone, true, nil
			}
			e.mu.Unlock()
			return nil, false, apierr.New(http.StatusConflict, apierr.CodeIdempotencyConflict, "idempotency key reused with a different request")
		}
	}

	now := clock.Now()
	newJob := &job.Job{
		ExecutionID:      clock.NewExecutionID(),
		ButtonID:         req.ButtonID,
		SpellID:          button.SpellID,
		Version:          button.Version,
		RequireSignature: button.RequiresSignature(e.cfg.ForceRequireSignature),
		Status:           job.StatusQueued,
		TenantID:         req.TenantID,
		ActorRole:        req.ActorRole,
		CreatedAt:        now,
		IdempotencyKey:   idemKey,
		IdempotencyFingerprint: fingerprint,
		Request: &job.Request{
			Input:        mergedInput,
			DryRun:       req.DryRun,
			Confirmation: req.Confirmation,
		},
	}
	e.jobs[newJob.ExecutionID] = newJob
	if idemKey != "" {
		e.idemKey[idemMapKey(req.TenantID, idemKey)] = newJob.ExecutionID
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistAndWait(snapshot)
	e.recordAudit(newJob)
	obs.ExecutionsSubmitted.WithLabelValues(req.ButtonID, req.TenantID).Inc()
	e.spawn(newJob.ExecutionID)

	return newJob.Clone(), false, nil
}

// spawn launches the per-job supervisor goroutine. Must be called without
// e.mu held.
func (e *Engine) spawn(executionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.runtime[executionID] = cancel
	e.mu.Unlock()
	go e.runSupervised(ctx, executionID)
}

func (e *Engine) runSupervised(ctx context.Context, executionID string) {
	e.mu.Lock()
	j, ok := e.jobs[executionID]
	if !ok || j.Status != job.StatusQueued {
		// Canceled before spawn became visible: leave the canceled record.
		e.mu.Unlock()
		return
	}
	now := clock.Now()
	j.Status = job.StatusRunning
	j.StartedAt = &now
	snapshot := e.snapshotLocked()
	jobCopy := *j
	e.mu.Unlock()

	e.persistAndWait(snapshot)
	e.recordAudit(&jobCopy)
	e.notify(executionID)
	obs.RunningExecutions.Inc()
	obs.TenantRunningExecutions.WithLabelValues(jobCopy.TenantID).Inc()

	result := e.runner.Run(ctx, jobCopy)

	obs.RunningExecutions.Dec()
	obs.TenantRunningExecutions.WithLabelValues(jobCopy.TenantID).Dec()
	e.applyResult(executionID, result)
}

func (e *Engine) applyResult(executionID string, result supervisor.Result) {
	e.mu.Lock()
	j, ok := e.jobs[executionID]
	if !ok || job.Terminal(j.Status) {
		// A cancel already landed a terminal record; the cancel record
		// stands regardless of what the child eventually reported.
		delete(e.runtime, executionID)
		e.mu.Unlock()
		return
	}

	now := clock.Now()
	j.RuntimeExecutionID = result.RuntimeExecutionID
	j.RuntimeLogPath = result.RuntimeLogPath
	j.Receipt = result.Receipt
	j.FinishedAt = &now

	switch {
	case result.TimedOut:
		j.Status = job.StatusTimeout
		j.ErrorCode = apierr.CodeExecutionTimeout
		j.Message = timeoutMessage(result)
	case result.SpawnErr != nil:
		j.Status = job.StatusFailed
		j.ErrorCode = apierr.CodeExecutionFailed
		j.Message = result.SpawnErr.Error()
	case job.ManualRecoveryRequired(result.Receipt):
		j.Status = job.StatusFailed
		j.ErrorCode = apierr.CodeCompensationIncmplt
		j.Message = "runtime reported rollback requires manual recovery"
	case result.ExitCode == 0:
		j.Status = job.StatusSucceeded
		j.Message = "completed"
	default:
		code, msg := sanitize.Classify(result.Stderr, result.Stdout)
		j.Status = job.StatusFailed
		j.ErrorCode = code
		j.Message = msg
	}

	delete(e.runtime, executionID)
	snapshot := e.snapshotLocked()
	jobCopy := *j
	e.mu.Unlock()

	e.persistAndWait(snapshot)
	e.recordAudit(&jobCopy)
	e.notify(executionID)
	obs.ExecutionsTerminal.WithLabelValues(jobCopy.ButtonID, jobCopy.Status).Inc()
	e.runRetention()
}

func timeoutMessage(result supervisor.Result) string {
	return fmt.Sprintf("execution exceeded configured timeout of %s", result.Timeout)
}

// Cancel marks a job canceled and signals the supervisor to SIGTERM the
// child if one is running. The cancel record stands even if the child's
// eventual exit would otherwise classify differently.
func (e *Engine) Cancel(executionID, tenant, role string) (*job.Job, *apierr.Error) {
	e.mu.Lock()
	j, ok := e.jobs[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, apierr.New(http.StatusNotFound, apierr.CodeExecutionNotFound, "no such execution")
	}
	if apiErr := validateTenantScope(role, tenant, j.TenantID); apiErr != nil {
		e.mu.Unlock()
		return nil, apiErr
	}
	if job.Terminal(j.Status) {
		e.mu.Unlock()
		return nil, apierr.New(http.StatusConflict, apierr.CodeAlreadyTerminal, "execution is already in a terminal state")
	}

	now := clock.Now()
	j.Status = job.StatusCanceled
	j.ErrorCode = apierr.CodeExecutionCanceled
	j.Message = "canceled by request"
	j.FinishedAt = &now
	cancelFn := e.runtime[executionID]
	delete(e.runtime, executionID)
	snapshot := e.snapshotLocked()
	jobCopy := *j
	e.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	e.persistAndWait(snapshot)
	e.recordAudit(&jobCopy)
	e.notify(executionID)
	obs.ExecutionsTerminal.WithLabelValues(jobCopy.ButtonID, jobCopy.Status).Inc()
	e.runRetention()

	return jobCopy.Clone(), nil
}

// Retry clones a terminal job's request snapshot into a fresh submission,
// linking retry_of/retried_by. Concurrency/rate checks happen at the HTTP
// layer exactly as for a fresh Submit before this is called.
func (e *Engine) Retry(executionID, tenant, role string) (*job.Job, *apierr.Error) {
	e.mu.Lock()
	src, ok := e.jobs[executionID]
	if !ok {
		e.mu.Unlock()
		return nil, apierr.New(http.StatusNotFound, apierr.CodeExecutionNotFound, "no such execution")
	}
	if apiErr := validateTenantScope(role, tenant, src.TenantID); apiErr != nil {
		e.mu.Unlock()
		return nil, apiErr
	}
	retryable := src.Status == job.StatusFailed || src.Status == job.StatusTimeout || src.Status == job.StatusCanceled
	if !retryable || src.Request == nil {
		e.mu.Unlock()
		return nil, apierr.New(http.StatusConflict, apierr.CodeNotRetryable, "execution is not in a retryable state")
	}

	requireSignature := src.RequireSignature
	if button, ok := e.reg.Lookup(src.ButtonID); ok {
		requireSignature = button.RequiresSignature(e.cfg.ForceRequireSignature)
	}

	now := clock.Now()
	reqCopy := *src.Request
	reqCopy.Input = deepCopyInput(src.Request.Input)
	newJob := &job.Job{
		ExecutionID:      clock.NewExecutionID(),
		ButtonID:         src.ButtonID,
		SpellID:          src.SpellID,
		Version:          src.Version,
		RequireSignature: requireSignature,
		Status:           job.StatusQueued,
		TenantID:         src.TenantID,
		ActorRole:        role,
		CreatedAt:        now,
		Request:          &reqCopy,
		RetryOf:          src.ExecutionID,
	}
	src.RetriedBy = newJob.ExecutionID
	e.jobs[newJob.ExecutionID] = newJob
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistAndWait(snapshot)
	e.recordAudit(newJob)
	obs.ExecutionsRetried.Inc()
	e.spawn(newJob.ExecutionID)

	return newJob.Clone(), nil
}

// Get returns a job and its projected receipt.
func (e *Engine) Get(executionID string) (*job.Job, *apierr.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[executionID]
	if !ok {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeExecutionNotFound, "no such execution")
	}
	return j.Clone(), nil
}

// List applies filter to the in-memory index and returns matches ordered by
// created_at descending, ties broken lexicographically by execution_id.
func (e *Engine) List(filter job.ListFilter) []job.Job {
	e.mu.Lock()
	candidates := e.snapshotLocked()
	e.mu.Unlock()
	return applyFilter(candidates, filter)
}

// TenantUsage reports the live in-flight counts plus a 24h submission
// count for the tenant usage endpoint.
type TenantUsage struct {
	Queued             int
	Running            int
	SubmissionsLast24h int
}

func (e *Engine) TenantUsage(tenant string) TenantUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var u TenantUsage
	cutoff := clock.Now().Add(-24 * time.Hour)
	for _, j := range e.jobs {
		if j.TenantID != tenant {
			continue
		}
		switch j.Status {
		case job.StatusQueued:
			u.Queued++
		case job.StatusRunning:
			u.Running++
		}
		if j.CreatedAt.After(cutoff) {
			u.SubmissionsLast24h++
		}
	}
	return u
}
