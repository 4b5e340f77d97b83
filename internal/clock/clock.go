// Package clock provides monotonic wall time and execution identifiers.
package clock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Now returns the current wall-clock time. Every timestamp the dispatcher
// writes (created_at, started_at, finished_at, audit entries, index
// updated_at) goes through here so callers never reach for time.Now
// directly.
func Now() time.Time {
	return time.Now().UTC()
}

// NewExecutionID produces an execution_id of the form exec_<millis>_<8 hex>.
// The millis component keeps ids roughly sortable by creation time; the hex
// fragment is sourced from a UUID's random bits rather than a counter so two
// dispatcher processes (e.g. across a restart) never collide.
func NewExecutionID() string {
	millis := time.Now().UnixMilli()
	frag := uuid.New()
	return fmt.Sprintf("exec_%d_%s", millis, frag.String()[:8])
}
