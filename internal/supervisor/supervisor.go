// Package supervisor spawns the "cast" runtime CLI as a supervised child
// process per job: bounded stdout/stderr capture, a wall-clock timeout
// watchdog that SIGTERMs the child (never SIGKILL — there is no hard-kill
// escalation in the core), cooperative cancellation through the caller's
// context, and stdout parsing (with a disk-mtime fallback) to locate the
// runtime's own receipt log.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/clock"
	"github.com/flyingrobots/spell-dispatcher/internal/config"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"github.com/flyingrobots/spell-dispatcher/internal/obs"
	"github.com/flyingrobots/spell-dispatcher/internal/receipt"
	"github.com/flyingrobots/spell-dispatcher/internal/sanitize"
	"go.uber.org/zap"
)

const maxCapturedOutputBytes = 1 << 20 // 1MB per stream

// Result is everything the lifecycle engine needs to decide the job's
// terminal state after a supervised run.
type Result struct {
	SpawnErr           error
	ExitCode           int
	TimedOut           bool
	Timeout            time.Duration
	Stdout             string
	Stderr             string
	RuntimeExecutionID string
	RuntimeLogPath     string
	Receipt            *sanitize.Receipt
}

// Supervisor owns the cast CLI invocation shape and the logs directory used
// for fallback log inference.
type Supervisor struct {
	cfg *config.Config
	log *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log}
}

// Run spawns the child, waits for it to exit (or for ctx to end), and
// returns the classified result. ctx carries both the manual-cancel signal
// (engine-owned CancelFunc) and, via the timeout wrapper built here, the
// execution_timeout_ms watchdog: the two are distinguished after the fact
// by which deadline fired.
func (s *Supervisor) Run(ctx context.Context, j job.Job) Result {
	tmpDir, err := os.MkdirTemp("", "spell-exec-*")
	if err != nil {
		return Result{SpawnErr: fmt.Errorf("create temp dir: %w", err)}
	}
	defer os.RemoveAll(tmpDir)

	inputPath := filepath.Join(tmpDir, "input.json")
	var input map[string]interface{}
	if j.Request != nil {
		input = j.Request.Input
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return Result{SpawnErr: fmt.Errorf("marshal input: %w", err)}
	}
	if err := os.WriteFile(inputPath, raw, 0o600); err != nil {
		return Result{SpawnErr: fmt.Errorf("write input file: %w", err)}
	}

	args := buildArgs(j, inputPath)
	var cmd *exec.Cmd
	if s.cfg.Supervisor.Interpreter != "" {
		cmd = exec.Command(s.cfg.Supervisor.Interpreter, append([]string{s.cfg.Supervisor.CLIPath}, args...)...)
	} else {
		cmd = exec.Command(s.cfg.Supervisor.CLIPath, args...)
	}

	stdout := newBoundedBuffer(maxCapturedOutputBytes)
	stderr := newBoundedBuffer(maxCapturedOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so SIGTERM reaches the child's foreground
	// subprocesses too and not only the top-level process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, s.cfg.ExecutionTimeout())
	defer cancelTimeout()

	startedAt := clock.Now()
	if err := cmd.Start(); err != nil {
		return Result{SpawnErr: fmt.Errorf("spawn cast: %w", err)}
	}

	doneCh := make(chan error, 1)
	go func() { doneCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-doneCh:
	case <-timeoutCtx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
		waitErr = <-doneCh
	}
	obs.SupervisorDuration.Observe(time.Since(startedAt).Seconds())

	timedOut := errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stdoutStr, stderrStr := stdout.String(), stderr.String()
	runtimeExecID, logPath := parseRuntimeRefs(stdoutStr)
	if logPath == "" {
		logPath = inferLogPath(s.cfg.LogsDir(), j.SpellID, j.Version, startedAt)
		if logPath != "" && s.log != nil {
			s.log.Warn("supervisor: inferred runtime log path from disk, runtime did not print one",
				obs.String("execution_id", j.ExecutionID), obs.String("path", logPath))
		}
	}

	var rpt *sanitize.Receipt
	if logPath != "" {
		loaded, err := receipt.Load(logPath, j.TenantID)
		if err != nil {
			if s.log != nil {
				s.log.Warn("supervisor: failed to load runtime receipt", obs.String("path", logPath), obs.Err(err))
			}
		} else {
			rpt = loaded
		}
	}

	return Result{
		ExitCode:           exitCode,
		TimedOut:           timedOut,
		Timeout:            s.cfg.ExecutionTimeout(),
		Stdout:             stdoutStr,
		Stderr:             stderrStr,
		RuntimeExecutionID: runtimeExecID,
		RuntimeLogPath:     logPath,
		Receipt:            rpt,
	}
}

func buildArgs(j job.Job, inputPath string) []string {
	args := []string{"cast", j.SpellID, "--version", j.Version, "--input", inputPath}
	var dryRun, risk, billing bool
	if j.Request != nil {
		dryRun = j.Request.DryRun
		risk = j.Request.Confirmation.RiskAcknowledged
		billing = j.Request.Confirmation.BillingAcknowledged
	}
	if dryRun {
		args = append(args, "--dry-run")
	}
	if risk {
		args = append(args, "--yes")
	}
	if billing {
		args = append(args, "--allow-billing")
	}
	if j.RequireSignature {
		args = append(args, "--require-signature")
	} else {
		args = append(args, "--allow-unsigned")
	}
	return args
}
