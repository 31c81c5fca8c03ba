package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

// TestScenarios runs every scenario under testdata/scenarios and requires
// it to pass.
func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "\n"))
			assert.NotEmpty(t, result.Trace)
		})
	}
}

// TestConcurrentWriters_Repeated reruns the racing scenario to shake out
// orderings where replicas could diverge.
func TestConcurrentWriters_Repeated(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/concurrent_writers.yaml")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		result, err := Run(s)
		require.NoError(t, err)
		require.True(t, result.Pass, "run %d: %s", i, strings.Join(result.Errors, "\n"))

		parallel := result.Trace[2]
		assert.Equal(t, "parallel", parallel.Op)
		assert.Equal(t, 3, parallel.Applied)
		assert.Equal(t, 1, parallel.Rejected)
		assert.Nil(t, parallel.Delivered)
	}
}

func TestRun_ExpectMismatch(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "Expectations are checked against the real broker"
acl: { alice: owner, bob: viewer }
cells: { A1: "2" }
steps:
  - set: { actor: alice, cell: B1, value: "=A1*3" }
    expect: { revision: 9, display: "7" }
  - set: { actor: bob, cell: B1, value: "1" }
    expect: { revision: 3 }
  - set: { actor: alice, cell: C1, value: "1" }
    expect: { error: CircularReference }
assertions:
  - type: converged
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		`step 1: expected revision 9, got 2`,
		`step 1: expected display "7", got "6"`,
		`step 2: unexpected rejection: AccessDenied: actor "bob" needs editor access (document=doc)`,
		`step 3: expected CircularReference, got revision 3`,
	}, result.Errors)
}

func TestRun_FailedAssertions(t *testing.T) {
	s := mustParse(t, `
name: failing
description: "Each assertion type reports what it saw"
acl: { alice: owner, bob: editor }
cells: { A1: "1" }
subscribers: [alice, bob]
steps:
  - cursor: { actor: alice, cell: B2 }
assertions:
  - { type: cell, cell: A1, display: "2", revision: 5 }
  - { type: cell, cell: A1, empty: true }
  - { type: revision, revision: 3 }
  - { type: cursor, subscriber: bob, actor: alice, cell: C3 }
  - { type: cursor, subscriber: bob, actor: alice, absent: true }
  - { type: cursor, subscriber: carol, actor: alice, absent: true }
  - { type: converged }
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], `display "1", want "2"; revision 1, want 5`)
	assert.Contains(t, result.Errors[1], `A1 = "1"`)
	assert.Contains(t, result.Errors[2], "revision 1")
	assert.Contains(t, result.Errors[3], "cursor at B2")
	assert.Contains(t, result.Errors[4], "bob sees no cursor for alice")
	assert.Contains(t, result.Errors[5], "not a live subscriber")
}

func TestRun_DoubleJoinIsAnError(t *testing.T) {
	s := mustParse(t, `
name: double
description: "A scenario may not join the same actor twice"
acl: { alice: owner }
subscribers: [alice]
steps:
  - join: alice
assertions:
  - type: converged
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already joined")
}

func TestRun_LeaveUnknown(t *testing.T) {
	s := mustParse(t, `
name: leave
description: "Leaving needs a joined actor"
acl: { alice: owner }
steps:
  - leave: alice
assertions:
  - type: converged
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not joined")
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/recompute_chain.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalSnapshot(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
