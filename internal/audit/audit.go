// Package audit writes the append-only tenant audit log
// (logs/tenant-audit.jsonl), one JSON object per lifecycle transition.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one line of logs/tenant-audit.jsonl.
type Entry struct {
	Timestamp   time.Time `json:"ts"`
	TenantID    string    `json:"tenant_id"`
	ExecutionID string    `json:"execution_id"`
	ButtonID    string    `json:"button_id"`
	Status      string    `json:"status"`
	ActorRole   string    `json:"actor_role"`
	ErrorCode   string    `json:"error_code,omitempty"`
}

// Logger appends Entry records to the rotated audit file. Writes are
// best-effort: a failure here is logged by the caller but never fails the
// client-facing request that triggered it (spec §7 propagation policy).
type Logger struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// New opens (or creates) the audit log at path, rotated by size/age/backup
// count the same way the admin control-plane's audit log is, swapped from a
// hand-rolled rotator to lumberjack.
func New(path string, maxSizeMB, maxBackups, maxAgeDays int) *Logger {
	return &Logger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   false,
		},
	}
}

// Log appends one entry as a single JSON line.
func (l *Logger) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	raw = append(raw, '\n')
	_, err = l.out.Write(raw)
	return err
}

// Close flushes and closes the underlying rotated file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
