package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/job"
)

var (
	idPattern     = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

func validateExecutionID(id string) *apierr.Error {
	if id == "" || !idPattern.MatchString(id) {
		return apierr.New(http.StatusBadRequest, apierr.CodeInvalidExecutionID, "execution id has an invalid format")
	}
	return nil
}

func validateTenantID(id string) *apierr.Error {
	if !tenantPattern.MatchString(id) {
		return apierr.New(http.StatusBadRequest, apierr.CodeInvalidTenantID, "tenant id has an invalid format")
	}
	return nil
}

// parseListFilter builds a job.ListFilter from GET /spell-executions query
// parameters, coercing tenant_id to the caller's own tenant unless the
// caller is an admin.
func parseListFilter(q map[string][]string, callerTenant, callerRole string) (job.ListFilter, *apierr.Error) {
	filter := job.ListFilter{Limit: 100}

	if v := first(q, "status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !validStatusName(s) {
				return filter, apierr.New(http.StatusBadRequest, apierr.CodeInvalidQuery, "unknown status in filter: "+s)
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	filter.ButtonID = first(q, "button_id")
	filter.SpellID = first(q, "spell_id")

	if v := first(q, "tenant_id"); v != "" {
		if callerRole != "admin" && v != callerTenant {
			return filter, apierr.New(http.StatusForbidden, apierr.CodeTenantForbidden, "cannot filter by another tenant")
		}
		filter.TenantID = v
	} else if callerRole != "admin" {
		filter.TenantID = callerTenant
	}

	if v := first(q, "from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apierr.New(http.StatusBadRequest, apierr.CodeInvalidQuery, "from must be ISO-8601")
		}
		filter.From = &t
	}
	if v := first(q, "to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apierr.New(http.StatusBadRequest, apierr.CodeInvalidQuery, "to must be ISO-8601")
		}
		filter.To = &t
	}

	if v := first(q, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return filter, apierr.New(http.StatusBadRequest, apierr.CodeInvalidQuery, "limit must be 1..500")
		}
		filter.Limit = n
	}

	return filter, nil
}

func validStatusName(s string) bool {
	switch s {
	case job.StatusQueued, job.StatusRunning, job.StatusSucceeded, job.StatusFailed, job.StatusTimeout, job.StatusCanceled:
		return true
	default:
		return false
	}
}

// validateTenantScope mirrors the lifecycle engine's own tenant-match rule
// for read endpoints that don't otherwise go through the engine's mutating
// methods (events, output).
func validateTenantScope(role, callerTenant, resourceTenant string) *apierr.Error {
	if role == "admin" {
		return nil
	}
	if callerTenant != resourceTenant {
		return apierr.New(http.StatusForbidden, apierr.CodeTenantForbidden, "execution belongs to a different tenant")
	}
	return nil
}

func first(q map[string][]string, key string) string {
	if vs, ok := q[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
