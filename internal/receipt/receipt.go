// Package receipt loads a cast runtime log file from disk and projects it
// through internal/sanitize's whitelist, annotating the result with the
// owning job's tenant. Any parse/IO failure yields an absent receipt — this
// is never a fatal condition for the job it belongs to (spec §4.4).
package receipt

import (
	"encoding/json"
	"os"

	"github.com/flyingrobots/spell-dispatcher/internal/sanitize"
)

// Load reads path as JSON, projects it to a sanitized Receipt, and stamps
// tenantID onto it. Returns (nil, err) on any IO or parse failure so the
// caller can treat the receipt as simply absent.
func Load(path, tenantID string) (*sanitize.Receipt, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	projected := sanitize.ProjectReceipt(decoded)
	projected.TenantID = tenantID
	return &projected, nil
}
