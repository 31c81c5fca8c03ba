package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sheetsync/internal/auth"
)

const minimalScenario = `
name: minimal
description: "One write"
acl: { alice: owner }
steps:
  - set: { actor: alice, cell: A1, value: "1" }
assertions:
  - type: converged
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, DefaultDocument, s.Document)
	assert.Equal(t, auth.ACL{"alice": auth.RoleOwner}, s.ACL)
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Set)
	assert.Equal(t, SetStep{Actor: "alice", Cell: "A1", Value: "1"}, *s.Steps[0].Set)
}

func TestParseScenario_Format(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: fmt
description: "Bold write"
acl: { alice: owner }
steps:
  - set:
      actor: alice
      cell: A1
      value: "x"
      format: { bold: true, color: "#FF0000" }
assertions:
  - type: converged
`))
	require.NoError(t, err)
	f := s.Steps[0].Set.Format
	require.NotNil(t, f)
	assert.True(t, f.Bold)
	assert.Equal(t, "#FF0000", f.Color)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
acl: { alice: owner }
steps: [ { join: alice } ]
assertions: [ { type: converged } ]`,
			want: "name is required",
		},
		{
			name: "missing acl",
			yaml: `
name: n
description: d
steps: [ { join: alice } ]
assertions: [ { type: converged } ]`,
			want: "acl is required",
		},
		{
			name: "bad role",
			yaml: `
name: n
description: d
acl: { alice: admin }
steps: [ { join: alice } ]
assertions: [ { type: converged } ]`,
			want: "unknown role",
		},
		{
			name: "bad seed cell",
			yaml: `
name: n
description: d
acl: { alice: owner }
cells: { "1A": "x" }
steps: [ { join: alice } ]
assertions: [ { type: converged } ]`,
			want: "cells",
		},
		{
			name: "two actions in one step",
			yaml: `
name: n
description: d
acl: { alice: owner }
steps: [ { join: alice, leave: alice } ]
assertions: [ { type: converged } ]`,
			want: "exactly one of",
		},
		{
			name: "expect on cursor step",
			yaml: `
name: n
description: d
acl: { alice: owner }
steps:
  - cursor: { actor: alice, cell: A1 }
    expect: { revision: 1 }
assertions: [ { type: converged } ]`,
			want: "expect is only valid on set steps",
		},
		{
			name: "bad cell in parallel",
			yaml: `
name: n
description: d
acl: { alice: owner }
steps:
  - parallel:
      - { actor: alice, cell: A0, value: "1" }
assertions: [ { type: converged } ]`,
			want: "parallel[0]",
		},
		{
			name: "cell assertion without fields",
			yaml: `
name: n
description: d
acl: { alice: owner }
steps: [ { join: alice } ]
assertions: [ { type: cell, cell: A1 } ]`,
			want: "cell needs",
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
acl: { alice: owner }
steps: [ { join: alice } ]
assertions: [ { type: trace_count } ]`,
			want: "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_NotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarios_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(minimalScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(minimalScenario), 0o644))

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used by a.yaml")
}

func TestLoadScenarios_Testdata(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"circular_rejected",
		"concurrent_writers",
		"format_and_clear",
		"presence",
		"recompute_chain",
	}, names)
}
