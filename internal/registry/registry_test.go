package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `
version: "v2"
buttons:
  - button_id: "hello"
    spell_id: "samples/hello"
    version: "1.0.0"
    allowed_roles: []
    allowed_tenants: []

  - button_id: "deploy-prod"
    spell_id: "ops/deploy"
    version: "2.3.0"
    require_signature: true
    allowed_roles:
      - "admin"
    allowed_tenants:
      - "acme"
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buttons.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	reg, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)
	assert.Equal(t, "v2", reg.Version())

	b, ok := reg.Lookup("deploy-prod")
	require.True(t, ok)
	assert.Equal(t, "ops/deploy", b.SpellID)
	assert.True(t, b.RequiresSignature(false))

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestAllPreservesFileOrder(t *testing.T) {
	reg, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)
	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "hello", all[0].ButtonID)
	assert.Equal(t, "deploy-prod", all[1].ButtonID)
}

func TestRoleAndTenantAllowed(t *testing.T) {
	reg, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	hello, _ := reg.Lookup("hello")
	assert.True(t, hello.RoleAllowed("anyone"))
	assert.True(t, hello.TenantAllowed("anyone"))

	deploy, _ := reg.Lookup("deploy-prod")
	assert.True(t, deploy.RoleAllowed("admin"))
	assert.False(t, deploy.RoleAllowed("operator"))
	assert.True(t, deploy.TenantAllowed("acme"))
	assert.False(t, deploy.TenantAllowed("globex"))
}

func TestRequiresSignatureGlobalOverride(t *testing.T) {
	reg, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)
	hello, _ := reg.Lookup("hello")
	assert.False(t, hello.RequiresSignature(false))
	assert.True(t, hello.RequiresSignature(true))
}

func TestLoadRejectsDuplicateButtonID(t *testing.T) {
	dup := `
version: "v1"
buttons:
  - button_id: "hello"
    spell_id: "a"
    version: "1.0.0"
  - button_id: "hello"
    spell_id: "b"
    version: "1.0.0"
`
	_, err := Load(writeRegistry(t, dup))
	assert.Error(t, err)
}

func TestLoadRejectsMissingButtonID(t *testing.T) {
	missing := `
version: "v1"
buttons:
  - spell_id: "a"
    version: "1.0.0"
`
	_, err := Load(writeRegistry(t, missing))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
