// Package apierr defines the stable error_code taxonomy surfaced to HTTP
// clients and the typed error value carried between layers (admission,
// lifecycle, httpapi) so that a code is never stringly-typed more than once.
package apierr

import "net/http"

// Error is a typed, HTTP-status-bearing application error. It is returned
// by value (as *Error) through every layer instead of being formatted into
// a plain error early, so the HTTP layer can project status+code+message
// without re-deriving them.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Stable error_code constants, grouped per spec §7.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidQuery       = "INVALID_QUERY"
	CodeInvalidExecutionID = "INVALID_EXECUTION_ID"
	CodeInvalidTenantID    = "INVALID_TENANT_ID"
	CodeInvalidOutputPath  = "INVALID_OUTPUT_PATH"
	CodeInputTooLarge      = "INPUT_TOO_LARGE"
	CodeRiskConfirmation   = "RISK_CONFIRMATION_REQUIRED"
	CodeBillingConfirm     = "BILLING_CONFIRMATION_REQUIRED"

	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeRoleNotAllowed   = "ROLE_NOT_ALLOWED"
	CodeTenantNotAllowed = "TENANT_NOT_ALLOWED"
	CodeTenantForbidden  = "TENANT_FORBIDDEN"
	CodeAdminRoleReq     = "ADMIN_ROLE_REQUIRED"

	CodeConcurrencyLimited       = "CONCURRENCY_LIMITED"
	CodeTenantConcurrencyLimited = "TENANT_CONCURRENCY_LIMITED"
	CodeRateLimited              = "RATE_LIMITED"
	CodeTenantRateLimited        = "TENANT_RATE_LIMITED"
	CodeIdempotencyConflict      = "IDEMPOTENCY_CONFLICT"

	CodeButtonNotFound    = "BUTTON_NOT_FOUND"
	CodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	CodeExecutionLogGone  = "EXECUTION_LOG_NOT_FOUND"
	CodeOutputNotFound    = "OUTPUT_NOT_FOUND"

	CodeExecutionFailed      = "EXECUTION_FAILED"
	CodeExecutionTimeout     = "EXECUTION_TIMEOUT"
	CodeStepTimeout          = "STEP_TIMEOUT"
	CodeSignatureRequired    = "SIGNATURE_REQUIRED"
	CodeConnectorTokenMiss   = "CONNECTOR_TOKEN_MISSING"
	CodePlatformUnsupported  = "PLATFORM_UNSUPPORTED"
	CodeInputSchemaInvalid   = "INPUT_SCHEMA_INVALID"
	CodeCompensationIncmplt  = "COMPENSATION_INCOMPLETE"
	CodeExecutionCanceled    = "EXECUTION_CANCELED"

	CodeAlreadyTerminal  = "ALREADY_TERMINAL"
	CodeNotRetryable     = "NOT_RETRYABLE"
	CodeExecutionNotRdy  = "EXECUTION_NOT_READY"
	CodeServerRestarted  = "SERVER_RESTARTED"

	CodeInternal = "INTERNAL_ERROR"
)

// Common constructors for codes used from more than one call site.
func BadRequest(msg string) *Error     { return New(http.StatusBadRequest, CodeBadRequest, msg) }
func NotFound(code, msg string) *Error { return New(http.StatusNotFound, code, msg) }
func Internal(msg string) *Error       { return New(http.StatusInternalServerError, CodeInternal, msg) }
