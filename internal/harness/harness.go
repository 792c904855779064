package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/strata"
	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/integrity"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/kv/memdb"
	"github.com/roach88/strata/relation"
	"github.com/roach88/strata/txn"
)

// sequentialKeys assigns "rec-0001", "rec-0002", ... so auto-key
// scenarios produce stable traces and golden files.
type sequentialKeys struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialKeys) NextKey() kv.Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("rec-%04d", g.n)
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory engine with a
// sequential key generator, so repeated runs produce identical traces.
//
// Execution flow:
//  1. Open a fresh in-memory database with the scenario's schema
//  2. Seed setup records (untraced, must succeed)
//  3. Execute flow steps, tracing each outcome and checking
//     expect_error clauses
//  4. Evaluate assertions against the final state
//  5. Capture the final state of every collection
func Run(scenario *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := memdb.New(&memdb.Options{KeyGen: &sequentialKeys{}, Logger: logger})

	specs, err := buildSpecs(scenario.Collections)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	db, err := strata.Open(ctx, engine, scenario.Name, 1, specs, &strata.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	result := NewResult()
	if err := executeSetup(ctx, db, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := executeFlow(ctx, db, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	evaluateAssertions(ctx, db, scenario.Assertions, result)
	if err := captureState(ctx, db, scenario.Collections, result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}

	return result, nil
}

// buildSpecs converts the YAML schema into collection specs.
func buildSpecs(defs []CollectionDef) ([]strata.CollectionSpec, error) {
	specs := make([]strata.CollectionSpec, 0, len(defs))
	for _, def := range defs {
		spec := strata.CollectionSpec{
			Name:      def.Name,
			KeyFields: def.KeyFields,
			AutoKey:   def.AutoKey,
		}
		for _, idx := range def.Indexes {
			spec.Indexes = append(spec.Indexes, kv.IndexSpec{
				Name:   idx.Name,
				Fields: idx.Fields,
				Unique: idx.Unique,
			})
		}
		for _, rel := range def.Relations {
			card, err := parseCardinality(rel.Cardinality)
			if err != nil {
				return nil, fmt.Errorf("collection %q relation %q: %w", def.Name, rel.Name, err)
			}
			spec.Relations = append(spec.Relations, relation.Definition{
				Name:             rel.Name,
				Cardinality:      card,
				SourceField:      rel.SourceField,
				TargetField:      rel.TargetField,
				TargetCollection: rel.Target,
			})
		}
		for _, fk := range def.ForeignKeys {
			policy, err := parseOnDelete(fk.OnDelete)
			if err != nil {
				return nil, fmt.Errorf("collection %q foreign key %q: %w", def.Name, fk.Field, err)
			}
			spec.ForeignKeys = append(spec.ForeignKeys, integrity.Rule{
				Field:            fk.Field,
				TargetCollection: fk.Target,
				OnDelete:         policy,
			})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseCardinality(s string) (relation.Cardinality, error) {
	switch s {
	case "one_to_one":
		return relation.OneToOne, nil
	case "one_to_many":
		return relation.OneToMany, nil
	default:
		return 0, fmt.Errorf("unknown cardinality %q", s)
	}
}

func parseOnDelete(s string) (integrity.OnDelete, error) {
	switch s {
	case "", "no_action":
		return integrity.NoAction, nil
	case "cascade":
		return integrity.Cascade, nil
	case "restrict":
		return integrity.Restrict, nil
	case "set_null":
		return integrity.SetNull, nil
	default:
		return 0, fmt.Errorf("unknown on_delete %q", s)
	}
}

// executeSetup seeds the declared records. Setup writes are untraced
// and must succeed.
func executeSetup(ctx context.Context, db *strata.Database, setup []SetupStep) error {
	for i, step := range setup {
		coll, err := db.Collection(step.Collection)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		for j, rec := range step.Records {
			if _, err := coll.Put(ctx, kv.Record(rec)); err != nil {
				return fmt.Errorf("setup[%d].records[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// executeFlow runs the flow steps, appending one trace event per step
// and checking each expect_error clause.
func executeFlow(ctx context.Context, db *strata.Database, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		coll, err := db.Collection(step.Collection)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		event := TraceEvent{
			Seq:        i + 1,
			Op:         step.Op,
			Collection: step.Collection,
		}

		var opErr error
		switch step.Op {
		case OpInsert:
			var key kv.Key
			key, opErr = coll.Insert(ctx, kv.Record(step.Record))
			event.Key = key
		case OpPut:
			var key kv.Key
			key, opErr = coll.Put(ctx, kv.Record(step.Record))
			event.Key = key
		case OpDelete:
			event.Key = step.Key
			opErr = coll.Delete(ctx, step.Key)
		case OpClear:
			opErr = coll.Clear(ctx)
		case OpCount:
			var n int64
			n, opErr = coll.Count(ctx)
			if opErr == nil {
				event.Count = &n
			}
		case OpFind:
			var recs []kv.Record
			recs, opErr = coll.Find(ctx, findOptions(step))
			if opErr == nil {
				found := len(recs)
				event.Found = &found
			}
		default:
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}

		if opErr != nil {
			event.Key = nil
			event.Error = classifyError(opErr)
		}
		result.Trace = append(result.Trace, event)

		switch {
		case step.ExpectError == "" && opErr != nil:
			result.AddError(fmt.Sprintf("flow[%d] %s %s: unexpected error: %v",
				i, step.Op, step.Collection, opErr))
		case step.ExpectError != "" && opErr == nil:
			result.AddError(fmt.Sprintf("flow[%d] %s %s: expected %s error, got success",
				i, step.Op, step.Collection, step.ExpectError))
		case step.ExpectError != "" && event.Error != step.ExpectError:
			result.AddError(fmt.Sprintf("flow[%d] %s %s: expected %s error, got %s: %v",
				i, step.Op, step.Collection, step.ExpectError, event.Error, opErr))
		}
	}
	return nil
}

func findOptions(step FlowStep) *strata.FindOptions {
	opts := &strata.FindOptions{}
	if len(step.Where) > 0 {
		fields := step.Where
		opts.Where = func(rec kv.Record) (bool, error) {
			return subsetMatch(rec, fields), nil
		}
	}
	if len(step.With) > 0 {
		with := make(relation.With, len(step.With))
		for _, name := range step.With {
			with[name] = nil
		}
		opts.With = with
	}
	return opts
}

// classifyError maps an operation error to its trace class. Scope
// failures arrive wrapped as aborted, so the specific classes are
// checked first.
func classifyError(err error) string {
	switch {
	case dberr.IsValidation(err):
		return ErrClassValidation
	case dberr.IsRestricted(err):
		return ErrClassRestricted
	case dberr.IsDisposed(err):
		return ErrClassDisposed
	case dberr.IsStorage(err):
		return ErrClassStorage
	default:
		return ErrClassAborted
	}
}

// captureState snapshots every collection in one read scope, in the
// order the schema declares them. Empty collections capture as empty
// slices so the JSON rendering stays stable.
func captureState(ctx context.Context, db *strata.Database, defs []CollectionDef, result *Result) error {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return db.Read(ctx, names, func(ctx context.Context, tc *txn.Context) error {
		for _, name := range names {
			store, err := tc.Store(name)
			if err != nil {
				return err
			}
			recs, err := store.GetAll(ctx)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []kv.Record{}
			}
			result.State[name] = recs
		}
		return nil
	})
}
