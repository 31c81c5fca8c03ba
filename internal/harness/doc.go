// Package harness runs convergence scenarios against a live broker.
//
// A scenario seeds one document, joins a set of subscribers and drives a
// sequence of steps through the broker. Every subscriber keeps a replica
// built from its bootstrap plus the deltas it receives; at the end the
// replicas must match the broker's own grid.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	document: budget
//	acl: { alice: owner, bob: editor, carol: viewer }
//	cells: { A1: "5", B1: "=A1*2" }
//	subscribers: [alice, bob]
//	steps:
//	  - set: { actor: alice, cell: A1, value: "10" }
//	    expect: { revision: 2, display: "10" }
//	  - set: { actor: bob, cell: A1, value: "=B1" }
//	    expect: { error: CircularReference }
//	  - cursor: { actor: bob, cell: C3 }
//	  - join: carol
//	  - leave: bob
//	  - parallel:
//	      - { actor: alice, cell: D1, value: "1" }
//	      - { actor: bob, cell: D2, value: "2" }
//	assertions:
//	  - type: cell
//	    cell: B1
//	    display: "20"
//	  - type: converged
//	  - type: revision
//	    revision: 3
//
// # Assertion Types
//
//   - cell: the broker's cell matches display, raw, revision or empty
//   - converged: every live replica equals the broker grid
//   - revision: the document revision
//   - cursor: a subscriber sees (or no longer sees) an actor's cursor
//
// # Determinism
//
// Sequential steps are applied one at a time and each subscriber's
// deliveries are drained before the next step, so the trace is identical
// across runs and can be compared against a golden file. Parallel steps
// race, so the trace records only how many of them applied.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/recompute.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
