// Package harness runs declarative end-to-end scenarios against a
// strata database.
//
// Scenarios are YAML files declaring a schema, an optional setup
// seeding step, a flow of operations with expected outcomes, and
// assertions over the final state. Each scenario runs against a fresh
// in-memory engine with a sequential key generator, so traces are
// deterministic and can be compared against golden files.
//
// # Scenario Format
//
//	name: scenario-name
//	description: "What this scenario validates"
//	collections:
//	  - name: users
//	    key_fields: [id]
//	  - name: posts
//	    key_fields: [id]
//	    foreign_keys:
//	      - field: userId
//	        target: users
//	        on_delete: cascade
//	setup:
//	  - collection: users
//	    records:
//	      - {id: u1}
//	flow:
//	  - op: insert
//	    collection: posts
//	    record: {id: p1, userId: u1}
//	  - op: insert
//	    collection: posts
//	    record: {id: p2, userId: ghost}
//	    expect_error: validation
//	assertions:
//	  - type: count
//	    collection: posts
//	    count: 1
//	  - type: present
//	    collection: posts
//	    key: p1
//	    fields: {userId: u1}
//
// # Assertion Types
//
//   - count: the collection holds exactly N records
//   - present: the record at key exists, with the given field subset
//   - absent: no record exists at key
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/cascade.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
//
// RunWithGolden additionally serializes the trace and final state to
// canonical JSON and compares it against testdata/golden/{name}.golden
// via goldie. Regenerate goldens with:
//
//	go test ./internal/harness -update
package harness
