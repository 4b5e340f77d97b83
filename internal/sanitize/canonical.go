// Package sanitize implements the dispatcher's pure, side-effect-free
// transforms: canonical-JSON fingerprinting for idempotency, receipt
// whitelist projection, and runtime stderr/stdout error classification.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Confirmation mirrors the request snapshot's confirmation block.
type Confirmation struct {
	RiskAcknowledged    bool `json:"risk_acknowledged"`
	BillingAcknowledged bool `json:"billing_acknowledged"`
}

// FingerprintInput is the tuple the fingerprint is computed over, per spec:
// SHA-256 over canonical JSON of (tenant, button, input, dry_run,
// confirmation, actor_role).
type FingerprintInput struct {
	TenantID     string
	ButtonID     string
	Input        map[string]any
	DryRun       bool
	Confirmation Confirmation
	ActorRole    string
}

// Fingerprint canonicalises the input tuple and returns the hex-encoded
// SHA-256 digest of its UTF-8 JSON serialisation.
func Fingerprint(in FingerprintInput) (string, error) {
	tuple := map[string]any{
		"tenant_id":    in.TenantID,
		"button_id":    in.ButtonID,
		"input":        in.Input,
		"dry_run":      in.DryRun,
		"confirmation": in.Confirmation,
		"actor_role":   in.ActorRole,
	}
	canon, err := Canonicalize(tuple)
	if err != nil {
		return "", fmt.Errorf("canonicalize fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize serialises v to JSON with object keys recursively sorted and
// array order preserved. Fields that marshal to JSON null because they were
// Go zero values (nil maps/slices/pointers) are kept as null; keys that are
// simply absent from a map are dropped, matching "drop undefined" from the
// spec's canonicalisation rule.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf []byte
	buf = appendCanonical(buf, generic)
	return buf, nil
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, val[k])
		}
		buf = append(buf, '}')
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		buf = append(buf, ']')
	default:
		b, _ := json.Marshal(val)
		buf = append(buf, b...)
	}
	return buf
}
