// Package store persists the execution index (logs/index.json) atomically
// and serialises writes through a single-writer queue so the file on disk
// can never regress relative to a transition already observed in memory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flyingrobots/spell-dispatcher/internal/clock"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
	"go.uber.org/zap"
)

const schemaVersion = "v1"

// writeRequest is one enqueued rewrite of the whole index file.
type writeRequest struct {
	jobs []job.Job
	done chan error
}

// Store owns logs/index.json: atomic whole-file rewrites serialised through
// a dedicated persister goroutine consuming a command channel (per the
// REDESIGN FLAGS note on replacing promise-chained writes with an explicit
// queue), plus the boot-time load with invalid-record filtering.
type Store struct {
	path   string
	log    *zap.Logger
	writes chan writeRequest
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Store bound to path (typically <spell_home>/logs/index.json).
// Call Start before the first Persist call.
func New(path string, log *zap.Logger) *Store {
	return &Store{
		path:   path,
		log:    log,
		writes: make(chan writeRequest, 64),
		stopCh: make(chan struct{}),
	}
}

// Start launches the single-writer persister goroutine.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.run()
}

// Close drains pending writes and stops the persister.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writes:
			req.done <- s.writeFile(req.jobs)
		case <-s.stopCh:
			// Drain any writes already queued before shutting down so the
			// file reflects every transition the caller observed.
			for {
				select {
				case req := <-s.writes:
					req.done <- s.writeFile(req.jobs)
				default:
					return
				}
			}
		}
	}
}

// Persist enqueues a whole-index rewrite and returns a completion handle;
// callers that need the write acknowledged (e.g. before an HTTP response)
// receive the error over the returned channel.
func (s *Store) Persist(jobs []job.Job) <-chan error {
	done := make(chan error, 1)
	s.writes <- writeRequest{jobs: jobs, done: done}
	return done
}

func (s *Store) writeFile(jobs []job.Job) error {
	doc := job.IndexDocument{
		Version:    schemaVersion,
		UpdatedAt:  clock.Now(),
		Executions: jobs,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}
	return nil
}

// Load reads the index file, filtering out any record missing an
// execution_id or carrying an unrecognized status. A missing file loads as
// an empty index (first boot).
func (s *Store) Load() ([]job.Job, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var doc job.IndexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	out := make([]job.Job, 0, len(doc.Executions))
	for _, j := range doc.Executions {
		if j.ExecutionID == "" {
			if s.log != nil {
				s.log.Warn("dropping index record with no execution_id")
			}
			continue
		}
		if !validStatus(j.Status) {
			if s.log != nil {
				s.log.Warn("dropping index record with invalid status",
					zap.String("execution_id", j.ExecutionID), zap.String("status", j.Status))
			}
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func validStatus(status string) bool {
	switch status {
	case job.StatusQueued, job.StatusRunning, job.StatusSucceeded, job.StatusFailed, job.StatusTimeout, job.StatusCanceled:
		return true
	default:
		return false
	}
}
