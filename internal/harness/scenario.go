package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one end-to-end test: a schema, optional seed
// records, a flow of operations with expected outcomes, and final
// state assertions.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files key on it.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Collections declares the schema the scenario runs against.
	Collections []CollectionDef `yaml:"collections"`

	// Setup seeds collections before the flow. Setup writes must
	// succeed and are not traced.
	Setup []SetupStep `yaml:"setup,omitempty"`

	// Flow is the traced operation sequence.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// CollectionDef is the YAML rendering of a collection spec.
type CollectionDef struct {
	Name        string          `yaml:"name"`
	KeyFields   []string        `yaml:"key_fields,omitempty"`
	AutoKey     bool            `yaml:"auto_key,omitempty"`
	Indexes     []IndexDef      `yaml:"indexes,omitempty"`
	Relations   []RelationDef   `yaml:"relations,omitempty"`
	ForeignKeys []ForeignKeyDef `yaml:"foreign_keys,omitempty"`
}

// IndexDef declares a secondary index.
type IndexDef struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields"`
	Unique bool     `yaml:"unique,omitempty"`
}

// RelationDef declares an expandable relation. Cardinality is
// "one_to_one" or "one_to_many".
type RelationDef struct {
	Name        string `yaml:"name"`
	Cardinality string `yaml:"cardinality"`
	SourceField string `yaml:"source_field"`
	TargetField string `yaml:"target_field"`
	Target      string `yaml:"target"`
}

// ForeignKeyDef declares a foreign key. OnDelete is "cascade",
// "restrict", "set_null", or "no_action" (the default).
type ForeignKeyDef struct {
	Field    string `yaml:"field"`
	Target   string `yaml:"target"`
	OnDelete string `yaml:"on_delete,omitempty"`
}

// SetupStep seeds one collection with records.
type SetupStep struct {
	Collection string           `yaml:"collection"`
	Records    []map[string]any `yaml:"records"`
}

// FlowStep is one traced operation. Op selects the operation; the
// remaining fields parameterize it:
//
//	insert, put: Record
//	delete:      Key
//	clear:       (none)
//	count:       (none)
//	find:        Where (equality subset), With (relation names)
//
// ExpectError, when set, names the error class the step must fail
// with. A step without ExpectError must succeed.
type FlowStep struct {
	Op          string         `yaml:"op"`
	Collection  string         `yaml:"collection"`
	Record      map[string]any `yaml:"record,omitempty"`
	Key         any            `yaml:"key,omitempty"`
	Where       map[string]any `yaml:"where,omitempty"`
	With        []string       `yaml:"with,omitempty"`
	ExpectError string         `yaml:"expect_error,omitempty"`
}

// Assertion validates final state. Type is "count", "present", or
// "absent".
type Assertion struct {
	Type       string         `yaml:"type"`
	Collection string         `yaml:"collection"`
	Key        any            `yaml:"key,omitempty"`
	Count      int64          `yaml:"count,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// Flow op constants.
const (
	OpInsert = "insert"
	OpPut    = "put"
	OpDelete = "delete"
	OpClear  = "clear"
	OpCount  = "count"
	OpFind   = "find"
)

// Assertion type constants.
const (
	AssertCount   = "count"
	AssertPresent = "present"
	AssertAbsent  = "absent"
)

// Error class constants for FlowStep.ExpectError and
// TraceEvent.Error.
const (
	ErrClassValidation = "validation"
	ErrClassRestricted = "restricted"
	ErrClassStorage    = "storage"
	ErrClassAborted    = "aborted"
	ErrClassDisposed   = "disposed"
)

// LoadScenario reads and parses a scenario YAML file. Returns an
// error if the file doesn't exist, is malformed, contains unknown
// fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs
	// "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Collections) == 0 {
		return fmt.Errorf("collections list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	declared := make(map[string]struct{}, len(s.Collections))
	for i, def := range s.Collections {
		if def.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
		if _, dup := declared[def.Name]; dup {
			return fmt.Errorf("collections[%d]: duplicate collection %q", i, def.Name)
		}
		declared[def.Name] = struct{}{}
		for j, rel := range def.Relations {
			switch rel.Cardinality {
			case "one_to_one", "one_to_many":
			default:
				return fmt.Errorf("collections[%d].relations[%d]: unknown cardinality %q",
					i, j, rel.Cardinality)
			}
		}
		for j, fk := range def.ForeignKeys {
			switch fk.OnDelete {
			case "", "no_action", "cascade", "restrict", "set_null":
			default:
				return fmt.Errorf("collections[%d].foreign_keys[%d]: unknown on_delete %q",
					i, j, fk.OnDelete)
			}
		}
	}

	for i, step := range s.Setup {
		if _, ok := declared[step.Collection]; !ok {
			return fmt.Errorf("setup[%d]: undeclared collection %q", i, step.Collection)
		}
		if len(step.Records) == 0 {
			return fmt.Errorf("setup[%d]: records list is required and must be non-empty", i)
		}
	}

	for i, step := range s.Flow {
		if _, ok := declared[step.Collection]; !ok {
			return fmt.Errorf("flow[%d]: undeclared collection %q", i, step.Collection)
		}
		switch step.Op {
		case OpInsert, OpPut:
			if step.Record == nil {
				return fmt.Errorf("flow[%d]: record is required for %s", i, step.Op)
			}
		case OpDelete:
			if step.Key == nil {
				return fmt.Errorf("flow[%d]: key is required for delete", i)
			}
		case OpClear, OpCount, OpFind:
		default:
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
		switch step.ExpectError {
		case "", ErrClassValidation, ErrClassRestricted, ErrClassStorage,
			ErrClassAborted, ErrClassDisposed:
		default:
			return fmt.Errorf("flow[%d]: unknown expect_error %q", i, step.ExpectError)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, declared); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, declared map[string]struct{}) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if _, ok := declared[a.Collection]; !ok {
		return fmt.Errorf("assertions[%d]: undeclared collection %q", index, a.Collection)
	}

	switch a.Type {
	case AssertCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertPresent:
		if a.Key == nil {
			return fmt.Errorf("assertions[%d]: key is required for present", index)
		}
	case AssertAbsent:
		if a.Key == nil {
			return fmt.Errorf("assertions[%d]: key is required for absent", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
