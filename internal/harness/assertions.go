package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
)

// AssertionContext is the state assertions are checked against.
type AssertionContext struct {
	// Snapshot is the broker's grid after the last step.
	Snapshot broker.Bootstrap

	replicas map[string]*replica
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertCell:
		return assertCell(a, actx.Snapshot)
	case AssertConverged:
		return assertConverged(actx)
	case AssertRevision:
		return assertRevision(a, actx.Snapshot)
	case AssertCursor:
		return assertCursor(a, actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertCell compares one broker cell against the fields the assertion sets.
func assertCell(a Assertion, snap broker.Bootstrap) error {
	addr, err := grid.ParseA1(a.Cell)
	if err != nil {
		return err
	}
	c := grid.NewFromCells(snap.Cells).Get(addr)

	if a.Empty {
		if !c.IsEmpty() {
			return &AssertionError{
				Type:     AssertCell,
				Expected: fmt.Sprintf("%s empty", a.Cell),
				Actual:   fmt.Sprintf("%s = %q", a.Cell, c.RawValue),
			}
		}
		return nil
	}

	var diffs []string
	if a.Display != nil && c.DisplayValue != *a.Display {
		diffs = append(diffs, fmt.Sprintf("display %q, want %q", c.DisplayValue, *a.Display))
	}
	if a.Raw != nil && c.RawValue != *a.Raw {
		diffs = append(diffs, fmt.Sprintf("raw %q, want %q", c.RawValue, *a.Raw))
	}
	if a.Revision != nil && c.Revision != *a.Revision {
		diffs = append(diffs, fmt.Sprintf("revision %d, want %d", c.Revision, *a.Revision))
	}
	if len(diffs) > 0 {
		return &AssertionError{
			Type:     AssertCell,
			Expected: a.Cell + " to match",
			Actual:   strings.Join(diffs, "; "),
		}
	}
	return nil
}

// assertConverged checks that every live replica holds exactly the broker
// grid: same cells, values, formats and revisions.
func assertConverged(actx *AssertionContext) error {
	want, err := grid.NewFromCells(actx.Snapshot.Cells).Snapshot().Hash()
	if err != nil {
		return err
	}
	brokerCells := cellIndex(actx.Snapshot.Cells)

	var diverged []string
	for _, actor := range slices.Sorted(maps.Keys(actx.replicas)) {
		r := actx.replicas[actor]
		if r.closed {
			diverged = append(diverged, actor+" (subscription closed)")
			continue
		}
		got, err := r.cells.Snapshot().Hash()
		if err != nil {
			return err
		}
		if got != want {
			diverged = append(diverged, fmt.Sprintf("%s (%s)", actor, firstDifference(brokerCells, cellIndex(r.cells.Cells()))))
		}
	}
	if len(diverged) > 0 {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("%d replicas equal to the broker grid at revision %d", len(actx.replicas), actx.Snapshot.Revision),
			Actual:   "diverged: " + strings.Join(diverged, ", "),
		}
	}
	return nil
}

func assertRevision(a Assertion, snap broker.Bootstrap) error {
	if snap.Revision != *a.Revision {
		return &AssertionError{
			Type:     AssertRevision,
			Expected: fmt.Sprintf("revision %d", *a.Revision),
			Actual:   fmt.Sprintf("revision %d", snap.Revision),
		}
	}
	return nil
}

func assertCursor(a Assertion, actx *AssertionContext) error {
	r, ok := actx.replicas[a.Subscriber]
	if !ok {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: a.Subscriber + " joined",
			Actual:   "not a live subscriber",
		}
	}
	c, seen := r.cursors[a.Actor]

	if a.Absent {
		if seen {
			return &AssertionError{
				Type:     AssertCursor,
				Expected: fmt.Sprintf("%s sees no cursor for %s", a.Subscriber, a.Actor),
				Actual:   fmt.Sprintf("cursor at %s", grid.Addr{Row: c.Row, Col: c.Col}),
			}
		}
		return nil
	}

	want, err := grid.ParseA1(a.Cell)
	if err != nil {
		return err
	}
	actual := "no cursor"
	if seen {
		got := grid.Addr{Row: c.Row, Col: c.Col}
		if got == want {
			return nil
		}
		actual = "cursor at " + got.String()
	}
	return &AssertionError{
		Type:     AssertCursor,
		Expected: fmt.Sprintf("%s sees %s at %s", a.Subscriber, a.Actor, a.Cell),
		Actual:   actual,
	}
}

func cellIndex(cells []grid.Cell) map[grid.Addr]grid.Cell {
	m := make(map[grid.Addr]grid.Cell, len(cells))
	for _, c := range cells {
		m[c.Addr()] = c
	}
	return m
}

// firstDifference describes the first row-major cell where two grids differ.
func firstDifference(want, got map[grid.Addr]grid.Cell) string {
	addrs := make([]grid.Addr, 0, len(want)+len(got))
	for a := range want {
		addrs = append(addrs, a)
	}
	for a := range got {
		if _, ok := want[a]; !ok {
			addrs = append(addrs, a)
		}
	}
	slices.SortFunc(addrs, func(x, y grid.Addr) int {
		switch {
		case x.Less(y):
			return -1
		case y.Less(x):
			return 1
		}
		return 0
	})
	for _, a := range addrs {
		w, g := want[a], got[a]
		if w.RawValue != g.RawValue || w.DisplayValue != g.DisplayValue || w.Revision != g.Revision {
			return fmt.Sprintf("%s: %q@%d, broker has %q@%d", a, g.DisplayValue, g.Revision, w.DisplayValue, w.Revision)
		}
	}
	return "format differs"
}
