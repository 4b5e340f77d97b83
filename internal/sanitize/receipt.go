package sanitize

// Receipt is the sanitized projection of a cast runtime log. Only the fields
// enumerated below are ever populated; raw stdout/stderr, environment, and
// secrets from the runtime log are never copied onto it. The Outputs map is
// the one exception carrying per-step stdout/JSON payload — it exists solely
// to back the /output endpoint's scoped lookups and is never itself a
// stdout/stderr/env/secrets top-level key.
type Receipt struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	ID          string         `json:"id,omitempty"`
	Version     string         `json:"version,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	Summary     any            `json:"summary,omitempty"`
	Checks      any            `json:"checks,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
	Rollback    *Rollback      `json:"rollback,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}

// Step is the flattened per-step projection.
type Step struct {
	StepName   string `json:"stepName"`
	Uses       string `json:"uses,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Message    string `json:"message,omitempty"`
}

// Rollback carries only the compensation statistics, never raw payloads.
type Rollback struct {
	Attempted             int  `json:"attempted"`
	Succeeded             int  `json:"succeeded"`
	Failed                int  `json:"failed"`
	ManualRecoveryRequired bool `json:"manual_recovery_required"`
}

// ProjectReceipt whitelists a raw decoded runtime log (as produced by
// json.Unmarshal into map[string]any) into a Receipt. Any field absent from
// the raw log is simply left zero-valued; malformed nested shapes are
// tolerated by best-effort coercion rather than erroring, since a partial
// receipt is still useful and the loader treats parse failures as "no
// receipt" at a higher level, not this function.
func ProjectReceipt(raw map[string]any) Receipt {
	r := Receipt{
		ExecutionID: str(raw["execution_id"]),
		ID:          str(raw["id"]),
		Version:     str(raw["version"]),
		StartedAt:   str(raw["started_at"]),
		FinishedAt:  str(raw["finished_at"]),
		Summary:     raw["summary"],
		Checks:      raw["checks"],
		Success:     boolVal(raw["success"]),
		Error:       str(raw["error"]),
	}

	if rawSteps, ok := raw["steps"].([]any); ok {
		outputs := map[string]any{}
		for _, rs := range rawSteps {
			sm, ok := rs.(map[string]any)
			if !ok {
				continue
			}
			name := str(sm["stepName"])
			r.Steps = append(r.Steps, Step{
				StepName:   name,
				Uses:       str(sm["uses"]),
				StartedAt:  str(sm["started_at"]),
				FinishedAt: str(sm["finished_at"]),
				Success:    boolVal(sm["success"]),
				ExitCode:   intVal(sm["exitCode"]),
				Message:    str(sm["message"]),
			})
			if name == "" {
				continue
			}
			entry := map[string]any{}
			if stdout, ok := sm["stdout"]; ok {
				entry["stdout"] = stdout
			}
			if jsonOut, ok := sm["json"]; ok {
				entry["json"] = jsonOut
			}
			if len(entry) > 0 {
				outputs[name] = entry
			}
		}
		if len(outputs) > 0 {
			r.Outputs = outputs
		}
	}

	if rb, ok := raw["rollback"].(map[string]any); ok {
		r.Rollback = &Rollback{
			Attempted:              intVal(rb["attempted"]),
			Succeeded:              intVal(rb["succeeded"]),
			Failed:                 intVal(rb["failed"]),
			ManualRecoveryRequired: boolVal(rb["manual_recovery_required"]),
		}
	}

	return r
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func intVal(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
