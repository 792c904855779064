// Package integrity enforces foreign-key semantics over the overlay's
// collections: reference validation at write time and delete-propagation
// policies (cascade, restrict, set-null, no-action) at delete time.
//
// Every check and cascade runs inside the same transaction scope as the
// triggering mutation, so either the whole cascade commits or none of
// it does. There is no cross-transaction locking; co-scoping is the
// correctness mechanism.
package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/scan"
	"github.com/roach88/strata/txn"
)

// OnDelete is the delete-propagation policy of a foreign key.
type OnDelete int

const (
	// NoAction performs no check and no side effect.
	NoAction OnDelete = iota
	// Cascade recursively deletes dependents, re-triggering enforcement
	// for their own dependents.
	Cascade
	// Restrict fails the delete while any dependent exists.
	Restrict
	// SetNull nulls the dependents' foreign-key field.
	SetNull
)

// String returns the policy name as used in logs and errors.
func (p OnDelete) String() string {
	switch p {
	case NoAction:
		return "no-action"
	case Cascade:
		return "cascade"
	case Restrict:
		return "restrict"
	case SetNull:
		return "set-null"
	default:
		return "unknown"
	}
}

// Rule declares one foreign key on a collection: Field references the
// primary key of TargetCollection, with OnDelete applied to this
// collection's records when the referenced record is deleted.
type Rule struct {
	Field            string
	TargetCollection string
	OnDelete         OnDelete
}

// dependent is the reverse view of a Rule: a collection whose records
// may reference the target.
type dependent struct {
	collection string
	rule       Rule
}

// Enforcer validates references on insert/update and applies on-delete
// policies to dependents.
type Enforcer struct {
	// rules: source collection -> its foreign keys.
	rules map[string][]Rule
	// dependents: referenced collection -> who references it.
	dependents map[string][]dependent
	// keyFields: collection -> primary key fields, for deriving
	// dependent keys during cascades.
	keyFields map[string][]string
	logger    *slog.Logger
}

// New creates an empty enforcer. logger may be nil.
func New(logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		rules:      make(map[string][]Rule),
		dependents: make(map[string][]dependent),
		keyFields:  make(map[string][]string),
		logger:     logger,
	}
}

// Declare registers a collection's key shape and foreign keys. Called
// once per collection during schema setup.
func (e *Enforcer) Declare(collection string, keyFields []string, rules []Rule) {
	e.keyFields[collection] = keyFields
	e.rules[collection] = rules
	for _, rule := range rules {
		e.dependents[rule.TargetCollection] = append(e.dependents[rule.TargetCollection],
			dependent{collection: collection, rule: rule})
	}
}

// Rules returns the foreign keys declared on a collection.
func (e *Enforcer) Rules(collection string) []Rule {
	return e.rules[collection]
}

// CollectionsReachableFrom returns collection plus every collection a
// cascade or set-null starting there could touch. Scopes opened for a
// delete must cover all of them.
func (e *Enforcer) CollectionsReachableFrom(collection string) []string {
	seen := map[string]struct{}{collection: {}}
	frontier := []string{collection}
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		for _, dep := range e.dependents[name] {
			if _, ok := seen[dep.collection]; ok {
				continue
			}
			seen[dep.collection] = struct{}{}
			frontier = append(frontier, dep.collection)
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// CheckReferences validates every non-nil foreign-key field of rec: the
// referenced record must exist in the target collection, fetched inside
// the same scope as the write. A dangling reference fails with
// dberr.ValidationError, which aborts the enclosing scope as it
// propagates.
func (e *Enforcer) CheckReferences(ctx context.Context, tc *txn.Context, collection string, rec kv.Record) error {
	for _, rule := range e.rules[collection] {
		v, ok := rec[rule.Field]
		if !ok || v == nil {
			continue
		}
		store, err := tc.Store(rule.TargetCollection)
		if err != nil {
			return err
		}
		_, found, err := store.Get(ctx, v)
		if err != nil {
			return dberr.Storage("get", err)
		}
		if !found {
			return &dberr.ValidationError{
				Collection: collection,
				Field:      rule.Field,
				Value:      v,
				Target:     rule.TargetCollection,
			}
		}
	}
	return nil
}

// Delete removes collection[key] after applying every dependent's
// on-delete policy. This is the cascading entry point: cascaded
// deletions come back through here, so their own dependents are
// enforced too.
func (e *Enforcer) Delete(ctx context.Context, tc *txn.Context, collection string, key kv.Key) error {
	if err := e.ApplyOnDelete(ctx, tc, collection, key); err != nil {
		return err
	}
	store, err := tc.Store(collection)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, key); err != nil {
		return dberr.Storage("delete", err)
	}
	tc.MarkWritten(collection)
	return nil
}

// ApplyOnDelete applies the declared policies for every collection
// referencing collection, before the parent delete takes effect.
func (e *Enforcer) ApplyOnDelete(ctx context.Context, tc *txn.Context, collection string, key kv.Key) error {
	norm, err := kv.NormalizeKey(key)
	if err != nil {
		return err
	}
	for _, dep := range e.dependents[collection] {
		switch dep.rule.OnDelete {
		case NoAction:
			continue
		case Restrict:
			if err := e.restrict(ctx, tc, collection, norm, dep); err != nil {
				return err
			}
		case Cascade:
			if err := e.cascade(ctx, tc, norm, dep); err != nil {
				return err
			}
		case SetNull:
			if err := e.setNull(ctx, tc, norm, dep); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown on-delete policy %d on %s.%s", dep.rule.OnDelete, dep.collection, dep.rule.Field)
		}
	}
	return nil
}

// referencesKey matches dependents whose foreign-key field equals the
// deleted key.
func referencesKey(field string, key kv.Key) scan.Predicate {
	return func(rec kv.Record) (bool, error) {
		v, ok := rec[field]
		if !ok || v == nil {
			return false, nil
		}
		norm, err := kv.NormalizeKey(v)
		if err != nil {
			return false, nil
		}
		return kv.CompareKeys(norm, key) == 0, nil
	}
}

func (e *Enforcer) restrict(ctx context.Context, tc *txn.Context, collection string, key kv.Key, dep dependent) error {
	store, err := tc.Store(dep.collection)
	if err != nil {
		return err
	}
	found, err := scan.WithPredicate(ctx, scan.Collection(store), referencesKey(dep.rule.Field, key), 1)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return &dberr.ReferentialIntegrityError{
			Collection: collection,
			Key:        key,
			Dependent:  dep.collection,
		}
	}
	return nil
}

func (e *Enforcer) cascade(ctx context.Context, tc *txn.Context, key kv.Key, dep dependent) error {
	store, err := tc.Store(dep.collection)
	if err != nil {
		return err
	}
	matches, err := scan.WithPredicate(ctx, scan.Collection(store), referencesKey(dep.rule.Field, key), 0)
	if err != nil {
		return err
	}
	keyFields, ok := e.keyFields[dep.collection]
	if !ok {
		return fmt.Errorf("cascade into undeclared collection %q", dep.collection)
	}
	for _, rec := range matches {
		depKey, err := kv.KeyFromRecord(rec, keyFields)
		if err != nil {
			return err
		}
		e.logger.Debug("cascading delete", "collection", dep.collection, "key", depKey)
		if err := e.Delete(ctx, tc, dep.collection, depKey); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enforcer) setNull(ctx context.Context, tc *txn.Context, key kv.Key, dep dependent) error {
	store, err := tc.Store(dep.collection)
	if err != nil {
		return err
	}
	matches, err := scan.WithPredicate(ctx, scan.Collection(store), referencesKey(dep.rule.Field, key), 0)
	if err != nil {
		return err
	}
	for _, rec := range matches {
		rec[dep.rule.Field] = nil
		if _, err := store.Put(ctx, rec); err != nil {
			return dberr.Storage("put", err)
		}
	}
	if len(matches) > 0 {
		tc.MarkWritten(dep.collection)
	}
	return nil
}
