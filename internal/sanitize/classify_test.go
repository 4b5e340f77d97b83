package sanitize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPriorityOrder(t *testing.T) {
	// Compensation incomplete must win even when timeout text is also present.
	stderr := "execution_timeout: step ran long\ncompensation incomplete: manual recovery required"
	code, _ := Classify(stderr, "")
	require.Equal(t, "COMPENSATION_INCOMPLETE", code)
}

func TestClassifyFallsBackToStdout(t *testing.T) {
	code, msg := Classify("", "signature_required: bundle is unsigned")
	require.Equal(t, "SIGNATURE_REQUIRED", code)
	require.Contains(t, msg, "signature_required")
}

func TestClassifyDefaultsToExecutionFailed(t *testing.T) {
	code, _ := Classify("boom, something broke", "")
	require.Equal(t, "EXECUTION_FAILED", code)
}

func TestClassifyEachCode(t *testing.T) {
	cases := map[string]string{
		"EXECUTION_TIMEOUT":             "execution_timeout: overall timeout exceeded",
		"STEP_TIMEOUT":                  "step_timeout: step 3 timed out",
		"INPUT_TOO_LARGE":               "input_too_large: payload exceeds limit",
		"RISK_CONFIRMATION_REQUIRED":    "risk_confirmation required before proceeding",
		"BILLING_CONFIRMATION_REQUIRED": "billing_confirmation required before proceeding",
		"CONNECTOR_TOKEN_MISSING":       "connector_token missing for slack",
		"PLATFORM_UNSUPPORTED":          "platform_unsupported: windows",
		"INPUT_SCHEMA_INVALID":          "input_schema_invalid: missing field x",
	}
	for want, text := range cases {
		code, _ := Classify(text, "")
		require.Equal(t, want, code, "text=%q", text)
	}
}
