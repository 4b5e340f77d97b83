// Package registry loads the read-only button registry: the ordered set of
// button_id -> (spell_id, version) bindings plus admission policy that the
// dispatcher consults on every submission. The file format is internal to
// this project; spec treats the registry loader as an external collaborator
// described only by interface.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Confirmations describes which acknowledgements a button requires before
// the dispatcher will admit a submission.
type Confirmations struct {
	Risk    bool `yaml:"risk" json:"risk"`
	Billing bool `yaml:"billing" json:"billing"`
}

// Button binds a symbolic button_id to a (spell_id, version) pair plus
// admission policy.
type Button struct {
	ButtonID              string                 `yaml:"button_id" json:"button_id"`
	SpellID               string                 `yaml:"spell_id" json:"spell_id"`
	Version               string                 `yaml:"version" json:"version"`
	Defaults              map[string]interface{} `yaml:"defaults" json:"defaults,omitempty"`
	RequiredConfirmations Confirmations          `yaml:"required_confirmations" json:"required_confirmations"`
	RequireSignature      *bool                  `yaml:"require_signature" json:"require_signature,omitempty"`
	AllowedRoles          []string               `yaml:"allowed_roles" json:"allowed_roles,omitempty"`
	AllowedTenants        []string               `yaml:"allowed_tenants" json:"allowed_tenants,omitempty"`
}

// document is the on-disk shape of the registry file.
type document struct {
	Version string   `yaml:"version"`
	Buttons []Button `yaml:"buttons"`
}

// Registry is the read-only, in-memory view of the button file loaded at
// boot. Lookups preserve the file's declared order for listing.
type Registry struct {
	version string
	order   []string
	byID    map[string]Button
}

// Load reads and parses the button registry file at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	reg := &Registry{
		version: doc.Version,
		byID:    make(map[string]Button, len(doc.Buttons)),
	}
	for _, b := range doc.Buttons {
		if b.ButtonID == "" {
			return nil, fmt.Errorf("registry entry missing button_id")
		}
		if _, dup := reg.byID[b.ButtonID]; dup {
			return nil, fmt.Errorf("registry has duplicate button_id %q", b.ButtonID)
		}
		reg.byID[b.ButtonID] = b
		reg.order = append(reg.order, b.ButtonID)
	}
	return reg, nil
}

// Version returns the registry document's declared schema version.
func (r *Registry) Version() string {
	return r.version
}

// Lookup returns the button entry for id, or false if it doesn't exist.
func (r *Registry) Lookup(buttonID string) (Button, bool) {
	b, ok := r.byID[buttonID]
	return b, ok
}

// All returns every button entry in file order.
func (r *Registry) All() []Button {
	out := make([]Button, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// RequiresSignature reports whether a button requires a signed bundle,
// factoring in the server-wide force-require-signature override.
func (b Button) RequiresSignature(forceGlobal bool) bool {
	if forceGlobal {
		return true
	}
	if b.RequireSignature != nil {
		return *b.RequireSignature
	}
	return false
}

// RoleAllowed reports whether role is permitted to press this button. An
// empty allow-list means no role restriction.
func (b Button) RoleAllowed(role string) bool {
	if len(b.AllowedRoles) == 0 {
		return true
	}
	for _, r := range b.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// TenantAllowed reports whether tenant is permitted to press this button. An
// empty allow-list means no tenant restriction.
func (b Button) TenantAllowed(tenant string) bool {
	if len(b.AllowedTenants) == 0 {
		return true
	}
	for _, t := range b.AllowedTenants {
		if t == tenant {
			return true
		}
	}
	return false
}
