package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
)

// DefaultDocument is the document ID used when a scenario names none.
const DefaultDocument = "doc"

// Scenario defines a convergence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Document is the document ID. Defaults to DefaultDocument.
	Document string `yaml:"document,omitempty"`

	// ACL maps actor IDs to roles.
	ACL auth.ACL `yaml:"acl"`

	// Cells seeds the stored document, A1 reference → raw value. Seeded
	// cells carry revision 1.
	Cells map[string]string `yaml:"cells,omitempty"`

	// Subscribers join, in order, before the first step.
	Subscribers []string `yaml:"subscribers,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of Set, Cursor, Join, Leave or
// Parallel is set.
type Step struct {
	Set      *SetStep    `yaml:"set,omitempty"`
	Cursor   *CursorStep `yaml:"cursor,omitempty"`
	Join     string      `yaml:"join,omitempty"`
	Leave    string      `yaml:"leave,omitempty"`
	Parallel []SetStep   `yaml:"parallel,omitempty"`

	// Expect checks the outcome of a set step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// SetStep writes one cell.
type SetStep struct {
	Actor  string       `yaml:"actor"`
	Cell   string       `yaml:"cell"`
	Value  string       `yaml:"value"`
	Format *grid.Format `yaml:"format,omitempty"`
}

// CursorStep moves an actor's cursor.
type CursorStep struct {
	Actor string `yaml:"actor"`
	Cell  string `yaml:"cell"`
}

// Expect is the expected outcome of a set step. Error is a broker error
// code; when it is set the other fields are ignored.
type Expect struct {
	Revision int64            `yaml:"revision,omitempty"`
	Display  *string          `yaml:"display,omitempty"`
	Error    broker.ErrorCode `yaml:"error,omitempty"`
}

// Assertion validates the state after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Cell is the A1 reference (cell, cursor).
	Cell string `yaml:"cell,omitempty"`

	// Display, Raw and Revision are compared when set (cell).
	Display  *string `yaml:"display,omitempty"`
	Raw      *string `yaml:"raw,omitempty"`
	Revision *int64  `yaml:"revision,omitempty"`

	// Empty asserts the cell holds nothing (cell).
	Empty bool `yaml:"empty,omitempty"`

	// Subscriber is whose replica is inspected (cursor).
	Subscriber string `yaml:"subscriber,omitempty"`

	// Actor is whose cursor is looked for (cursor).
	Actor string `yaml:"actor,omitempty"`

	// Absent asserts the cursor is gone (cursor).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertCell      = "cell"
	AssertConverged = "converged"
	AssertRevision  = "revision"
	AssertCursor    = "cursor"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Document == "" {
		scenario.Document = DefaultDocument
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		names[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.ACL) == 0 {
		return fmt.Errorf("acl is required and must be non-empty")
	}
	for actor, role := range s.ACL {
		if _, err := auth.ParseRole(string(role)); err != nil {
			return fmt.Errorf("acl[%s]: %w", actor, err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for ref := range s.Cells {
		if _, err := grid.ParseA1(ref); err != nil {
			return fmt.Errorf("cells: %w", err)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	kinds := 0
	if s.Set != nil {
		kinds++
		if err := validateSet(s.Set); err != nil {
			return fmt.Errorf("steps[%d].set: %w", index, err)
		}
	}
	if s.Cursor != nil {
		kinds++
		if s.Cursor.Actor == "" {
			return fmt.Errorf("steps[%d].cursor: actor is required", index)
		}
		if _, err := grid.ParseA1(s.Cursor.Cell); err != nil {
			return fmt.Errorf("steps[%d].cursor: %w", index, err)
		}
	}
	if s.Join != "" {
		kinds++
	}
	if s.Leave != "" {
		kinds++
	}
	if len(s.Parallel) > 0 {
		kinds++
		for j := range s.Parallel {
			if err := validateSet(&s.Parallel[j]); err != nil {
				return fmt.Errorf("steps[%d].parallel[%d]: %w", index, j, err)
			}
		}
	}

	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of set, cursor, join, leave or parallel is required", index)
	}
	if s.Expect != nil && s.Set == nil {
		return fmt.Errorf("steps[%d]: expect is only valid on set steps", index)
	}
	return nil
}

func validateSet(s *SetStep) error {
	if s.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if _, err := grid.ParseA1(s.Cell); err != nil {
		return err
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCell:
		if _, err := grid.ParseA1(a.Cell); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if !a.Empty && a.Display == nil && a.Raw == nil && a.Revision == nil {
			return fmt.Errorf("assertions[%d]: cell needs display, raw, revision or empty", index)
		}
	case AssertConverged:
	case AssertRevision:
		if a.Revision == nil {
			return fmt.Errorf("assertions[%d]: revision is required", index)
		}
	case AssertCursor:
		if a.Subscriber == "" || a.Actor == "" {
			return fmt.Errorf("assertions[%d]: subscriber and actor are required for cursor", index)
		}
		if !a.Absent {
			if _, err := grid.ParseA1(a.Cell); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q (want %s)", index, a.Type,
			strings.Join([]string{AssertCell, AssertConverged, AssertRevision, AssertCursor}, ", "))
	}
	return nil
}
