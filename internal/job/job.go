// Package job defines the execution job record shared by the store,
// lifecycle engine, supervisor, retention GC and HTTP API. Its only
// in-module import is internal/sanitize (for the Receipt type), so every
// other component can import it without risking an import cycle.
package job

import (
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/sanitize"
)

// Status values for the job state machine (spec §3, §4.2).
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCanceled  = "canceled"
)

// Terminal reports whether status is one the state machine never leaves.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	default:
		return false
	}
}

// InFlight reports whether status counts against concurrency caps.
func InFlight(status string) bool {
	return status == StatusQueued || status == StatusRunning
}

// Confirmation records the risk/billing acknowledgements a caller supplied.
type Confirmation struct {
	RiskAcknowledged    bool `json:"risk_acknowledged"`
	BillingAcknowledged bool `json:"billing_acknowledged"`
}

// Request is the snapshot of the admitted submission, kept so a terminal
// job can be retried without the caller resubmitting the body.
type Request struct {
	Input        map[string]interface{} `json:"input"`
	DryRun       bool                   `json:"dry_run"`
	Confirmation Confirmation           `json:"confirmation"`
}

// Receipt is the sanitized, whitelisted projection of the runtime's log
// file, as produced by internal/sanitize.ProjectReceipt.
type Receipt = sanitize.Receipt

// ManualRecoveryRequired reports the rollback reclassification condition
// from spec §4.3: rollback.manual_recovery_required == true.
func ManualRecoveryRequired(r *Receipt) bool {
	if r == nil || r.Rollback == nil {
		return false
	}
	return r.Rollback.ManualRecoveryRequired
}

// Job is the execution job record (spec §3).
type Job struct {
	ExecutionID       string  `json:"execution_id"`
	ButtonID          string  `json:"button_id"`
	SpellID           string  `json:"spell_id"`
	Version           string  `json:"version"`
	RequireSignature  bool    `json:"require_signature"`
	Status            string  `json:"status"`
	TenantID          string  `json:"tenant_id"`
	ActorRole         string  `json:"actor_role"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ErrorCode         string  `json:"error_code,omitempty"`
	Message           string  `json:"message,omitempty"`
	RuntimeExecutionID string `json:"runtime_execution_id,omitempty"`
	RuntimeLogPath    string  `json:"runtime_log_path,omitempty"`
	Receipt           *Receipt `json:"receipt,omitempty"`
	IdempotencyKey    string  `json:"idempotency_key,omitempty"`
	IdempotencyFingerprint string `json:"idempotency_fingerprint,omitempty"`
	Request           *Request `json:"request,omitempty"`
	RetryOf           string  `json:"retry_of,omitempty"`
	RetriedBy         string  `json:"retried_by,omitempty"`
}

// Clone returns a deep copy suitable for snapshotting into a persistence
// write or an HTTP response without aliasing the engine's live record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.Receipt != nil {
		r := *j.Receipt
		r.Summary = deepCopyValue(j.Receipt.Summary)
		r.Checks = deepCopyValue(j.Receipt.Checks)
		r.Steps = append([]sanitize.Step(nil), j.Receipt.Steps...)
		r.Outputs = deepCopyMap(j.Receipt.Outputs)
		if j.Receipt.Rollback != nil {
			rb := *j.Receipt.Rollback
			r.Rollback = &rb
		}
		cp.Receipt = &r
	}
	if j.Request != nil {
		req := *j.Request
		req.Input = deepCopyMap(j.Request.Input)
		cp.Request = &req
	}
	return &cp
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// ListFilter describes the query parameters accepted by GET /spell-executions.
type ListFilter struct {
	Statuses []string
	ButtonID string
	SpellID  string
	TenantID string
	From     *time.Time
	To       *time.Time
	Limit    int
}

// IndexDocument is the on-disk shape of logs/index.json.
type IndexDocument struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Executions []Job    `json:"executions"`
}
