package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
)

const (
	ssePollInterval      = 150 * time.Millisecond
	sseHeartbeatInterval = 15 * time.Second
)

// streamExecution implements GET /spell-executions/{id}/events: an initial
// "snapshot" event, then an "execution" event on every observed change to
// the job's serialised snapshot, then exactly one "terminal" event when the
// job reaches a terminal status, after which the stream closes. A 15s
// heartbeat comment keeps intermediary proxies from timing out the
// connection; polling at 150ms is the documented baseline mechanism,
// nudged awake early by the engine's change notifications.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, apierr.Internal("streaming not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	wake := make(chan string, 8)
	subID := s.engine.Subscribe(func(id string) {
		if id != executionID {
			return
		}
		select {
		case wake <- id:
		default:
		}
	})
	defer s.engine.Unsubscribe(subID)

	var lastSnapshot string
	emit := func(event string, j *job.Job) error {
		body, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	j, apiErr := s.engine.Get(executionID)
	if apiErr != nil {
		writeErr(w, apiErr)
		return
	}
	snap, _ := json.Marshal(j)
	lastSnapshot = string(snap)
	if err := emit("snapshot", j); err != nil {
		return
	}
	if job.Terminal(j.Status) {
		_ = emit("terminal", j)
		return
	}

	poll := time.NewTicker(ssePollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-wake:
			if s.checkAndEmit(executionID, &lastSnapshot, emit) {
				return
			}
		case <-poll.C:
			if s.checkAndEmit(executionID, &lastSnapshot, emit) {
				return
			}
		}
	}
}

// checkAndEmit re-reads the job, emits an "execution" event if its
// serialised snapshot changed, and emits "terminal" (returning true to stop
// the stream) once the job reaches a terminal status.
func (s *Server) checkAndEmit(executionID string, lastSnapshot *string, emit func(string, *job.Job) error) bool {
	j, apiErr := s.engine.Get(executionID)
	if apiErr != nil {
		return true
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return true
	}
	if string(raw) != *lastSnapshot {
		*lastSnapshot = string(raw)
		if err := emit("execution", j); err != nil {
			return true
		}
	}
	if job.Terminal(j.Status) {
		_ = emit("terminal", j)
		return true
	}
	return false
}
