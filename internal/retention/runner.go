package retention

import (
	"os"
	"sync"

	"github.com/flyingrobots/spell-dispatcher/internal/clock"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner applies Plan's decisions to disk: deleting log files and reporting
// which execution_ids the caller (the lifecycle engine, which owns the
// index) should drop.
type Runner struct {
	logsDir       string
	retentionDays int
	maxFiles      int
	log           *zap.Logger

	mu       sync.Mutex
	cronJob  *cron.Cron
}

// New builds a Runner over logsDir with the given thresholds.
func New(logsDir string, retentionDays, maxFiles int, log *zap.Logger) *Runner {
	return &Runner{logsDir: logsDir, retentionDays: retentionDays, maxFiles: maxFiles, log: log}
}

// Sweep lists logsDir, plans against jobs, deletes the files the plan
// selected, and returns the execution_ids the caller should remove from the
// index (and whether anything changed at all).
func (r *Runner) Sweep(jobs []job.Job) (removedExecIDs []string, changed bool, err error) {
	files, err := ListLogFiles(r.logsDir)
	if err != nil {
		return nil, false, err
	}
	decision := Plan(files, jobs, r.retentionDays, r.maxFiles, clock.Now())

	for _, path := range decision.DeleteFiles {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) && r.log != nil {
			r.log.Warn("retention: failed to remove log file", obs.String("path", path), obs.Err(rmErr))
		}
	}

	obs.RetentionSweeps.Inc()
	if n := len(decision.DeleteFiles); n > 0 {
		obs.RetentionFilesDeleted.Add(float64(n))
	}

	changed = len(decision.DeleteFiles) > 0 || len(decision.DeleteExecutions) > 0
	return decision.DeleteExecutions, changed, nil
}

// StartCronSafetyNet schedules sweep as a recurring safety-net trigger in
// addition to the spec-mandated boot/terminal-transition triggers, guarding
// against a long stretch with no terminal transitions while disk still
// needs pruning.
func (r *Runner) StartCronSafetyNet(expr string, sweep func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := cron.New()
	if _, err := c.AddFunc(expr, sweep); err != nil {
		return err
	}
	c.Start()
	r.cronJob = c
	return nil
}

// StopCronSafetyNet stops the cron scheduler if one was started.
func (r *Runner) StopCronSafetyNet() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cronJob != nil {
		ctx := r.cronJob.Stop()
		<-ctx.Done()
		r.cronJob = nil
	}
}
