package constitution

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

const packYAML = `
name: finance-guardrails
version: 1.2.0
min_engine: ">= 1.0.0"
rules:
  - id: no-wire-transfers
    description: wire transfers always go through a human
    severity: hard
    category: transfer
    action: wire_funds
  - id: flag-refunds
    description: refunds above policy need review
    severity: soft
    pattern: "(?i)refund"
`

func TestParsePack(t *testing.T) {
	pack, err := ParsePack([]byte(packYAML))
	require.NoError(t, err)

	assert.Equal(t, "finance-guardrails", pack.Name)
	require.Len(t, pack.Rules, 2)

	rules := pack.Contracts()
	require.Len(t, rules, 2)
	assert.Equal(t, contracts.SeverityHard, rules[0].Severity)
	assert.Equal(t, contracts.CategoryTransfer, rules[0].Category)
	assert.Equal(t, "wire_funds", rules[0].Action)
	assert.Equal(t, contracts.SeveritySoft, rules[1].Severity)

	// The parsed rules plug straight into Validate.
	result := Validate(contracts.ActionRequest{
		Action:   "wire_funds",
		Category: contracts.CategoryTransfer,
	}, rules)
	assert.False(t, result.Allowed)
}

func TestParsePackEngineConstraint(t *testing.T) {
	_, err := ParsePack([]byte("name: future\nmin_engine: \">= 99.0.0\"\nrules: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires engine")

	_, err = ParsePack([]byte("name: bad\nmin_engine: \"not-semver ??\"\nrules: []\n"))
	require.Error(t, err)
}

func TestParsePackRejectsBadRules(t *testing.T) {
	_, err := ParsePack([]byte("name: p\nrules:\n  - description: no id\n    severity: hard\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no id")

	_, err = ParsePack([]byte("name: p\nrules:\n  - id: r1\n    severity: fatal\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown severity")
}

func TestLoadPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(packYAML), 0o600))

	pack, err := LoadPack(path)
	require.NoError(t, err)
	assert.Equal(t, "finance-guardrails", pack.Name)

	_, err = LoadPack(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
