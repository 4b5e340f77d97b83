package sanitize

import "regexp"

// classifierRule pairs an error code with the pattern that detects it in
// runtime output. Order is semantically load-bearing: the first match wins,
// so more specific failures (compensation, timeouts) are checked before the
// generic ones they could otherwise be confused with.
type classifierRule struct {
	code    string
	pattern *regexp.Regexp
}

var classifierRules = []classifierRule{
	{"COMPENSATION_INCOMPLETE", regexp.MustCompile(`(?i)compensation.*incomplete|rollback.*incomplete|manual[_ ]recovery[_ ]required`)},
	{"EXECUTION_TIMEOUT", regexp.MustCompile(`(?i)execution[_ ]timeout|spell.*timed out|overall.*timeout`)},
	{"STEP_TIMEOUT", regexp.MustCompile(`(?i)step[_ ]timeout|step.*timed out`)},
	{"INPUT_TOO_LARGE", regexp.MustCompile(`(?i)input[_ ]too[_ ]large|payload.*exceeds|request.*too large`)},
	{"SIGNATURE_REQUIRED", regexp.MustCompile(`(?i)signature[_ ]required|unsigned.*not allowed|missing.*signature`)},
	{"RISK_CONFIRMATION_REQUIRED", regexp.MustCompile(`(?i)risk[_ ]confirmation|risk.*acknowledg`)},
	{"BILLING_CONFIRMATION_REQUIRED", regexp.MustCompile(`(?i)billing[_ ]confirmation|billing.*acknowledg`)},
	{"CONNECTOR_TOKEN_MISSING", regexp.MustCompile(`(?i)connector[_ ]token|missing.*connector.*token|token.*not configured`)},
	{"PLATFORM_UNSUPPORTED", regexp.MustCompile(`(?i)platform[_ ]unsupported|unsupported platform`)},
	{"INPUT_SCHEMA_INVALID", regexp.MustCompile(`(?i)input[_ ]schema[_ ]invalid|schema validation failed|invalid input schema`)},
}

// Classify examines stderr (falling back to stdout when stderr is empty) and
// returns the matching error code and the line that triggered it, preserving
// the declared priority order of classifierRules. When nothing matches, it
// returns the catch-all EXECUTION_FAILED with whatever text was available.
func Classify(stderr, stdout string) (code string, message string) {
	text := stderr
	if text == "" {
		text = stdout
	}
	for _, rule := range classifierRules {
		if loc := rule.pattern.FindStringIndex(text); loc != nil {
			return rule.code, extractLine(text, loc[0])
		}
	}
	return "EXECUTION_FAILED", text
}

// extractLine returns the line of text containing byte offset pos, trimmed
// of surrounding whitespace, for a concise error message.
func extractLine(text string, pos int) string {
	start := pos
	for start > 0 && text[start-1] != '\n' {
		start--
	}
	end := pos
	for end < len(text) && text[end] != '\n' {
		end++
	}
	line := text[start:end]
	if line == "" {
		return text
	}
	return line
}
