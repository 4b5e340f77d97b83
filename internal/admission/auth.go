// Package admission implements the dispatcher's gatekeeping layer: auth,
// sliding-window rate limiting, concurrency gates, and request-shape
// validation (body size, Idempotency-Key format). Nothing here touches the
// job index — it only decides whether a request is allowed to reach it.
package admission

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/config"
)

// credential is one configured keyed auth entry: tenant:role=token.
type credential struct {
	tenant string
	role   string
	token  string
}

// Authenticator validates bearer tokens/keys against the configured auth
// mode. The two modes (authTokens vs authKeys) are mutually exclusive by
// construction — config.Validate already refused to start the process
// otherwise.
type Authenticator struct {
	tokens []string    // opaque bearer tokens; tenant defaults to "default"
	keys   []credential // tenant:role=token keyed credentials
}

// NewAuthenticator builds an Authenticator from the resolved config.
func NewAuthenticator(cfg *config.Config) (*Authenticator, error) {
	a := &Authenticator{tokens: cfg.AuthTokens}
	for _, raw := range cfg.AuthKeys {
		cred, err := parseAuthKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid auth_keys entry %q: %w", raw, err)
		}
		a.keys = append(a.keys, cred)
	}
	return a, nil
}

// parseAuthKey accepts "tenant:role=token" or the legacy "role:token" (in
// which case tenant defaults to "default").
func parseAuthKey(raw string) (credential, error) {
	eq := strings.Index(raw, "=")
	if eq < 0 {
		// Legacy "role:token": no '=' at all, tenant defaults to "default".
		colon := strings.Index(raw, ":")
		if colon < 0 {
			return credential{}, fmt.Errorf("expected tenant:role=token or role:token")
		}
		role, token := raw[:colon], raw[colon+1:]
		if role == "" || token == "" {
			return credential{}, fmt.Errorf("empty role or token")
		}
		return credential{tenant: "default", role: role, token: token}, nil
	}
	left, token := raw[:eq], raw[eq+1:]
	if token == "" {
		return credential{}, fmt.Errorf("empty token")
	}
	if colon := strings.Index(left, ":"); colon >= 0 {
		tenant, role := left[:colon], left[colon+1:]
		if tenant == "" {
			tenant = "default"
		}
		return credential{tenant: tenant, role: role, token: token}, nil
	}
	// "role=token" with no tenant part: left is the bare role and the
	// tenant defaults to "default".
	return credential{tenant: "default", role: left, token: token}, nil
}

// AuthContext is the tagged result of Authorize: either Authorized (Tenant
// set, Role possibly empty for token-mode) or carries Err for a rejection.
type AuthContext struct {
	Tenant string
	Role   string
	Err    *apierr.Error
}

func (a AuthContext) Authorized() bool { return a.Err == nil }

// Authorize extracts the bearer token/key from the request and validates it
// with constant-time comparison. Tokens that differ in length always
// mismatch without their contents ever being compared.
func (a *Authenticator) Authorize(r *http.Request) AuthContext {
	token := extractToken(r)
	if token == "" {
		return AuthContext{Err: apierr.New(http.StatusUnauthorized, apierr.CodeAuthRequired, "missing bearer token or X-Api-Key")}
	}

	if len(a.keys) == 0 && len(a.tokens) == 0 {
		// No auth configured at all: treat as opaque-token mode with no
		// valid tokens, which always rejects — never silently admits.
		return AuthContext{Err: apierr.New(http.StatusUnauthorized, apierr.CodeAuthInvalid, "no credentials configured")}
	}

	for _, t := range a.tokens {
		if constantTimeEqual(token, t) {
			return AuthContext{Tenant: "default", Role: ""}
		}
	}
	for _, c := range a.keys {
		if constantTimeEqual(token, c.token) {
			return AuthContext{Tenant: c.tenant, Role: c.role}
		}
	}
	return AuthContext{Err: apierr.New(http.StatusUnauthorized, apierr.CodeAuthInvalid, "token does not match any configured credential")}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.Header.Get("X-Api-Key")
}

// constantTimeEqual reports whether a and b match, comparing in constant
// time. Mismatched lengths short-circuit to false without ever calling into
// subtle.ConstantTimeCompare on unequal-length buffers (which would always
// return 0 anyway, but the explicit length check keeps the intent plain).
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
