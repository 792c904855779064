package harness

import "github.com/roach88/strata/kv"

// TraceEvent records one flow step and its outcome.
type TraceEvent struct {
	// Seq is the 1-based position of the step in the flow.
	Seq int `json:"seq"`

	// Op is the operation name (insert, put, delete, clear, count,
	// find).
	Op string `json:"op"`

	// Collection is the collection the step operated on.
	Collection string `json:"collection"`

	// Key is the affected key: the assigned key for insert/put, the
	// requested key for delete. Omitted when the step failed.
	Key any `json:"key,omitempty"`

	// Count is the result of a count step.
	Count *int64 `json:"count,omitempty"`

	// Found is the number of records a find step returned.
	Found *int `json:"found,omitempty"`

	// Error names the error class the step failed with (validation,
	// restricted, storage, aborted, disposed). Empty on success.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every flow expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expectation and assertion failures. Empty when
	// Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each collection's final records in key order.
	State map[string][]kv.Record `json:"state"`
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
		State: make(map[string][]kv.Record),
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
