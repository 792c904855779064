package harness

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/roach88/strata"
	"github.com/roach88/strata/kv"
)

// AssertionError is returned when a final-state assertion fails.
type AssertionError struct {
	Type     string // assertion type for categorization
	Expected string // human-readable expected outcome
	Actual   string // human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  Expected: %s\n  Actual: %s",
		e.Type, e.Expected, e.Actual)
}

// evaluateAssertions checks every assertion against the database's
// final state, recording failures on the result.
func evaluateAssertions(ctx context.Context, db *strata.Database, assertions []Assertion, result *Result) {
	for i, a := range assertions {
		if err := evaluateAssertion(ctx, db, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

func evaluateAssertion(ctx context.Context, db *strata.Database, a Assertion) error {
	coll, err := db.Collection(a.Collection)
	if err != nil {
		return err
	}

	switch a.Type {
	case AssertCount:
		n, err := coll.Count(ctx)
		if err != nil {
			return err
		}
		if n != a.Count {
			return &AssertionError{
				Type:     AssertCount,
				Expected: fmt.Sprintf("%s holds %d records", a.Collection, a.Count),
				Actual:   fmt.Sprintf("%d records", n),
			}
		}
	case AssertPresent:
		rec, found, err := coll.Get(ctx, a.Key)
		if err != nil {
			return err
		}
		if !found {
			return &AssertionError{
				Type:     AssertPresent,
				Expected: fmt.Sprintf("record %v in %s", a.Key, a.Collection),
				Actual:   "absent",
			}
		}
		if !subsetMatch(rec, a.Fields) {
			return &AssertionError{
				Type:     AssertPresent,
				Expected: fmt.Sprintf("record %v in %s with fields %v", a.Key, a.Collection, a.Fields),
				Actual:   fmt.Sprintf("%v", rec),
			}
		}
	case AssertAbsent:
		_, found, err := coll.Get(ctx, a.Key)
		if err != nil {
			return err
		}
		if found {
			return &AssertionError{
				Type:     AssertAbsent,
				Expected: fmt.Sprintf("no record %v in %s", a.Key, a.Collection),
				Actual:   "present",
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	return nil
}

// subsetMatch reports whether every expected field matches the record.
// Only the named fields are compared; numbers compare by value across
// Go numeric types since stored records round-trip through JSON.
func subsetMatch(rec kv.Record, fields map[string]any) bool {
	for name, want := range fields {
		got, ok := rec[name]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bw, ok := bv[k]
			if !ok || !looseEqual(v, bw) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
