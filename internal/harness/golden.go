package harness

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"

	"github.com/roach88/strata/kv"
)

// TraceSnapshot captures the complete trace and final state of a
// scenario execution for golden comparison. Serialization is
// deterministic: struct fields render in declaration order and map
// keys sort.
type TraceSnapshot struct {
	Scenario string                 `json:"scenario"`
	Trace    []TraceEvent           `json:"trace"`
	State    map[string][]kv.Record `json:"state"`
}

// RunWithGolden executes a scenario, fails t on any expectation or
// assertion failure, and compares the serialized trace and final
// state against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}

	snapshot := TraceSnapshot{
		Scenario: scenario.Name,
		Trace:    result.Trace,
		State:    result.State,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)

	return nil
}
