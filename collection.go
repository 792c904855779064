package strata

import (
	"context"
	"sort"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/relation"
	"github.com/roach88/strata/scan"
	"github.com/roach88/strata/txn"
)

// Collection is the handle for one declared collection. Handles are
// cheap and stateless; every operation opens (or joins) a transaction
// scope through the database's scheduler.
type Collection struct {
	db   *Database
	spec CollectionSpec
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.spec.Name }

// FindOptions configures a Find.
type FindOptions struct {
	// Index selects a secondary index to traverse instead of the
	// primary key order. Empty means primary order.
	Index string
	// Range bounds the index traversal. Ignored without Index; the
	// zero value means unbounded.
	Range kv.KeyRange
	// Where filters records during the scan. Nil matches everything.
	Where scan.Predicate
	// Limit caps the number of records returned; 0 means unbounded.
	Limit int
	// With names the relations to expand on the results.
	With relation.With
}

// Insert adds a record, validating its foreign keys against the same
// scope. A duplicate key fails with kv.ErrKeyExists (wrapped); a
// dangling reference with dberr.ValidationError, aborting the scope.
// Returns the record's key, engine-assigned for AutoKey collections.
func (c *Collection) Insert(ctx context.Context, rec kv.Record) (kv.Key, error) {
	var key kv.Key
	err := c.db.Write(ctx, c.writeScope(), func(ctx context.Context, tc *txn.Context) error {
		if err := c.db.enforcer.CheckReferences(ctx, tc, c.spec.Name, rec); err != nil {
			return err
		}
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		key, err = store.Add(ctx, rec)
		if err != nil {
			return dberr.Storage("add", err)
		}
		tc.MarkWritten(c.spec.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Put inserts or replaces the record at its key, with the same
// foreign-key validation as Insert.
func (c *Collection) Put(ctx context.Context, rec kv.Record) (kv.Key, error) {
	var key kv.Key
	err := c.db.Write(ctx, c.writeScope(), func(ctx context.Context, tc *txn.Context) error {
		if err := c.db.enforcer.CheckReferences(ctx, tc, c.spec.Name, rec); err != nil {
			return err
		}
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		key, err = store.Put(ctx, rec)
		if err != nil {
			return dberr.Storage("put", err)
		}
		tc.MarkWritten(c.spec.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Get fetches the record at key. The second result reports presence;
// absence is not an error.
func (c *Collection) Get(ctx context.Context, key kv.Key) (kv.Record, bool, error) {
	var (
		rec   kv.Record
		found bool
	)
	err := c.db.Read(ctx, []string{c.spec.Name}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		rec, found, err = store.Get(ctx, key)
		if err != nil {
			return dberr.Storage("get", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, found, nil
}

// Delete removes the record at key after applying every dependent
// collection's on-delete policy: cascades recurse, restricts fail the
// scope with dberr.ReferentialIntegrityError, set-nulls rewrite the
// dependents. The whole effect settles atomically.
func (c *Collection) Delete(ctx context.Context, key kv.Key) error {
	scope := c.db.enforcer.CollectionsReachableFrom(c.spec.Name)
	return c.db.Write(ctx, scope, func(ctx context.Context, tc *txn.Context) error {
		return c.db.enforcer.Delete(ctx, tc, c.spec.Name, key)
	})
}

// DeleteWhere removes every record pred accepts, applying on-delete
// policies per record. limit caps the number of deletions; 0 means
// unbounded. Returns the number of records deleted.
func (c *Collection) DeleteWhere(ctx context.Context, pred scan.Predicate, limit int) (int, error) {
	if pred == nil {
		pred = matchAll
	}
	scope := c.db.enforcer.CollectionsReachableFrom(c.spec.Name)
	var deleted int
	err := c.db.Write(ctx, scope, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		deleted, err = scan.DeleteWithPredicate(ctx, store, pred, limit,
			func(item kv.Item) error {
				return c.db.enforcer.ApplyOnDelete(ctx, tc, c.spec.Name, item.PrimaryKey)
			},
			func(kv.Item) {
				tc.MarkWritten(c.spec.Name)
			})
		return err
	})
	return deleted, err
}

// Clear removes every record. On-delete policies are not applied;
// clearing a collection that others still reference is the caller's
// responsibility.
func (c *Collection) Clear(ctx context.Context) error {
	return c.db.Write(ctx, []string{c.spec.Name}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		if err := store.Clear(ctx); err != nil {
			return dberr.Storage("clear", err)
		}
		tc.MarkWritten(c.spec.Name)
		return nil
	})
}

// Count returns the number of records.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.Read(ctx, []string{c.spec.Name}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		n, err = store.Count(ctx)
		if err != nil {
			return dberr.Storage("count", err)
		}
		return nil
	})
	return n, err
}

// Find scans the collection (or one of its indexes) and returns the
// matching records, with any requested relations expanded on them. The
// read scope spans the collection plus every relation target the With
// spec reaches, so results are a consistent snapshot.
func (c *Collection) Find(ctx context.Context, opts *FindOptions) ([]kv.Record, error) {
	if opts == nil {
		opts = &FindOptions{}
	}
	pred := opts.Where
	if pred == nil {
		pred = matchAll
	}
	scope, err := c.db.scopeForWith(c.spec.Name, opts.With)
	if err != nil {
		return nil, err
	}
	var out []kv.Record
	err = c.db.Read(ctx, scope, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		src := scan.Collection(store)
		if opts.Index != "" {
			ix, err := store.Index(opts.Index)
			if err != nil {
				return err
			}
			src = scan.Index(ix, opts.Range)
		}
		out, err = scan.WithPredicate(ctx, src, pred, opts.Limit)
		if err != nil {
			return err
		}
		if len(opts.With) == 0 || len(out) == 0 {
			return nil
		}
		resolver, err := c.db.Resolver(c.spec.Name)
		if err != nil {
			return err
		}
		return resolver.Resolve(ctx, tc, opts.With, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne is Find limited to the first match. The second result
// reports whether a match was found.
func (c *Collection) FindOne(ctx context.Context, opts *FindOptions) (kv.Record, bool, error) {
	if opts == nil {
		opts = &FindOptions{}
	}
	limited := *opts
	limited.Limit = 1
	recs, err := c.Find(ctx, &limited)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return recs[0], true, nil
}

// FirstByIndex returns the first record of the named index traversing
// in dir, or ok=false on an empty index. Reverse direction yields the
// record with the greatest index key.
func (c *Collection) FirstByIndex(ctx context.Context, index string, dir kv.Direction) (kv.Record, bool, error) {
	var (
		rec   kv.Record
		found bool
	)
	err := c.db.Read(ctx, []string{c.spec.Name}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(c.spec.Name)
		if err != nil {
			return err
		}
		ix, err := store.Index(index)
		if err != nil {
			return err
		}
		rec, found, err = scan.FirstByDirection(ctx, ix, dir)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, found, nil
}

// writeScope is the scope of a validated write: the collection itself
// plus every foreign-key target CheckReferences reads.
func (c *Collection) writeScope() []string {
	seen := map[string]struct{}{c.spec.Name: {}}
	for _, rule := range c.spec.ForeignKeys {
		seen[rule.TargetCollection] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func matchAll(kv.Record) (bool, error) { return true, nil }
