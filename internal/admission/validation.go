package admission

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
)

// ReadBody reads r.Body up to limit bytes, rejecting with INPUT_TOO_LARGE as
// soon as the stream would exceed it rather than buffering the whole
// oversized body first.
func ReadBody(r *http.Request, limit int64) ([]byte, *apierr.Error) {
	limited := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, fmt.Sprintf("failed to read request body: %v", err))
	}
	if int64(len(data)) > limit {
		return nil, apierr.New(http.StatusRequestEntityTooLarge, apierr.CodeInputTooLarge, "request body exceeds configured limit")
	}
	return data, nil
}

// ValidateIdempotencyKey trims surrounding whitespace and checks the
// 1..128-byte printable-ASCII contract from spec §4.1. An absent header
// (empty raw) is valid and simply means no idempotency key was supplied.
func ValidateIdempotencyKey(raw string) (string, *apierr.Error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if len(trimmed) > 128 {
		return "", apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "Idempotency-Key exceeds 128 bytes")
	}
	for _, b := range []byte(trimmed) {
		if b < 0x20 || b > 0x7e {
			return "", apierr.New(http.StatusBadRequest, apierr.CodeBadRequest, "Idempotency-Key must be printable ASCII")
		}
	}
	return trimmed, nil
}
