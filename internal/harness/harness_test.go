package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCascadeScenario(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "users_posts_cascade.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 8)

	// The cascade empties posts between the two counts.
	require.NotNil(t, result.Trace[2].Count)
	assert.Equal(t, int64(1), *result.Trace[2].Count)
	require.NotNil(t, result.Trace[4].Count)
	assert.Equal(t, int64(0), *result.Trace[4].Count)

	// The dangling insert is traced as a validation failure.
	assert.Equal(t, ErrClassValidation, result.Trace[6].Error)
	assert.Nil(t, result.Trace[6].Key)

	assert.Empty(t, result.State["posts"])
	require.Len(t, result.State["users"], 1)
	assert.Equal(t, "u2", result.State["users"][0]["id"])
}

func TestRunRestrictScenario(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "restrict_delete.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, ErrClassRestricted, result.Trace[0].Error)
	assert.Empty(t, result.Trace[1].Error)
	assert.Empty(t, result.Trace[2].Error)
}

func TestRunUnexpectedErrorFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "duplicate-insert",
		Description: "inserting the same key twice",
		Collections: []CollectionDef{
			{Name: "users", KeyFields: []string{"id"}},
		},
		Flow: []FlowStep{
			{Op: OpInsert, Collection: "users", Record: map[string]any{"id": "u1"}},
			{Op: OpInsert, Collection: "users", Record: map[string]any{"id": "u1"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Equal(t, ErrClassStorage, result.Trace[1].Error)
}

func TestRunExpectedErrorButSuccessFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "miscalibrated-expectation",
		Description: "a step expected to fail succeeds",
		Collections: []CollectionDef{
			{Name: "users", KeyFields: []string{"id"}},
		},
		Flow: []FlowStep{
			{Op: OpInsert, Collection: "users", Record: map[string]any{"id": "u1"}, ExpectError: ErrClassValidation},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected validation error, got success")
}

func TestRunAssignsSequentialAutoKeys(t *testing.T) {
	scenario := &Scenario{
		Name:        "auto-keys",
		Description: "auto keys are assigned in sequence",
		Collections: []CollectionDef{
			{Name: "events", AutoKey: true},
		},
		Flow: []FlowStep{
			{Op: OpInsert, Collection: "events", Record: map[string]any{"kind": "open"}},
			{Op: OpInsert, Collection: "events", Record: map[string]any{"kind": "close"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "rec-0001", result.Trace[0].Key)
	assert.Equal(t, "rec-0002", result.Trace[1].Key)
}

func TestRunFindWithWhere(t *testing.T) {
	scenario := &Scenario{
		Name:        "find-where",
		Description: "find filters by field equality",
		Collections: []CollectionDef{
			{Name: "tasks", KeyFields: []string{"id"}},
		},
		Setup: []SetupStep{
			{Collection: "tasks", Records: []map[string]any{
				{"id": "t1", "state": "open"},
				{"id": "t2", "state": "done"},
				{"id": "t3", "state": "open"},
			}},
		},
		Flow: []FlowStep{
			{Op: OpFind, Collection: "tasks", Where: map[string]any{"state": "open"}},
		},
		Assertions: []Assertion{
			{Type: AssertCount, Collection: "tasks", Count: 3},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.NotNil(t, result.Trace[0].Found)
	assert.Equal(t, 2, *result.Trace[0].Found)
}

func TestRunFailedAssertionFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong-count",
		Description: "a count assertion that cannot hold",
		Collections: []CollectionDef{
			{Name: "users", KeyFields: []string{"id"}},
		},
		Flow: []FlowStep{
			{Op: OpInsert, Collection: "users", Record: map[string]any{"id": "u1"}},
		},
		Assertions: []Assertion{
			{Type: AssertCount, Collection: "users", Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0]")
}
