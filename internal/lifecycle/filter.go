package lifecycle

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/flyingrobots/spell-dispatcher/internal/admission"
	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
)

// mergeInput overlays req on top of the button's declared defaults: a key
// present in req always wins, a key absent from req falls back to the
// button's default, and defaults' own deep copy is used so a later mutation
// of the merged map can never leak back into the registry's Button value.
func mergeInput(defaults, req map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(req))
	for k, v := range deepCopyInput(defaults) {
		merged[k] = v
	}
	for k, v := range req {
		merged[k] = v
	}
	return merged
}

// approxJSONSize reports the marshaled byte length of v, used only as an
// admission-time size check; a marshal failure is reported as "unknown" so
// the caller can decide how to treat it rather than silently passing.
func approxJSONSize(v map[string]interface{}) (int, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return len(raw), true
}

// validateIdemKeyOrEmpty re-validates an idempotency key the admission
// layer already checked once at the HTTP boundary. Kept local rather than
// trusted blindly since Submit is an exported method that callers other
// than the HTTP handler can reach.
func validateIdemKeyOrEmpty(raw string) (string, *apierr.Error) {
	return admission.ValidateIdempotencyKey(raw)
}

// deepCopyInput clones an input map via a JSON round trip, sufficient since
// the map only ever holds JSON-decoded values.
func deepCopyInput(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// applyFilter filters and sorts candidates per a GET /spell-executions query.
func applyFilter(candidates []job.Job, filter job.ListFilter) []job.Job {
	statusSet := make(map[string]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statusSet[s] = true
	}

	out := make([]job.Job, 0, len(candidates))
	for _, j := range candidates {
		if filter.TenantID != "" && j.TenantID != filter.TenantID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[j.Status] {
			continue
		}
		if filter.ButtonID != "" && j.ButtonID != filter.ButtonID {
			continue
		}
		if filter.SpellID != "" && j.SpellID != filter.SpellID {
			continue
		}
		if filter.From != nil && j.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && j.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, j)
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ExecutionID < out[k].ExecutionID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// validateTenantScope is a shared guard used by handlers that require the
// caller's tenant to match the resource, unless the caller is an admin.
func validateTenantScope(role, callerTenant, resourceTenant string) *apierr.Error {
	if role == "admin" {
		return nil
	}
	if callerTenant != resourceTenant {
		return apierr.New(http.StatusForbidden, apierr.CodeTenantForbidden, "execution belongs to a different tenant")
	}
	return nil
}
