// Package scan provides cursor-based traversal primitives over kv
// collections and indexes: predicate-filtered collection, scan-and-
// delete with hooks, range scans, and a single-consumption pull
// sequence that the relation resolver consumes lazily.
//
// All operations run within an already-open scope; none of them open or
// settle transactions.
package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/strata/kv"
)

// ErrSkip, returned by a beforeDelete hook, vetoes the deletion of the
// current record without aborting the scan. It is a local,
// non-exceptional signal and never propagates to the caller.
var ErrSkip = errors.New("scan: skip record")

// Predicate filters records during a scan. Returning an error aborts
// the whole scan.
type Predicate func(kv.Record) (bool, error)

// Source is anything a scanner can traverse: a collection or a
// (possibly range-restricted) index.
type Source interface {
	OpenCursor(ctx context.Context, dir kv.Direction) (kv.Cursor, error)
}

// Collection adapts a kv.Store into a scan Source.
func Collection(store kv.Store) Source {
	return collectionSource{store}
}

type collectionSource struct{ store kv.Store }

func (s collectionSource) OpenCursor(ctx context.Context, dir kv.Direction) (kv.Cursor, error) {
	return s.store.OpenCursor(ctx, dir)
}

// Index adapts a kv.Index restricted to r into a scan Source.
func Index(ix kv.Index, r kv.KeyRange) Source {
	return indexSource{ix: ix, r: r}
}

type indexSource struct {
	ix kv.Index
	r  kv.KeyRange
}

func (s indexSource) OpenCursor(ctx context.Context, dir kv.Direction) (kv.Cursor, error) {
	return s.ix.OpenCursor(ctx, s.r, dir)
}

// WithPredicate advances a cursor from the start of src, collecting
// records pred accepts, in cursor order. limit <= 0 means unbounded;
// otherwise the scan stops after limit matches.
func WithPredicate(ctx context.Context, src Source, pred Predicate, limit int) ([]kv.Record, error) {
	cur, err := src.OpenCursor(ctx, kv.Forward)
	if err != nil {
		return nil, fmt.Errorf("open cursor: %w", err)
	}
	defer cur.Close()

	var out []kv.Record
	for {
		item, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		match, err := pred(item.Record)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		out = append(out, item.Record)
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
	}
}

// DeleteWithPredicate traverses store, deleting each record pred
// accepts. beforeDelete, if non-nil, runs before each deletion: it may
// return ErrSkip to veto just that record, or any other error to abort
// the whole scan. afterDelete, if non-nil, runs after each successful
// deletion. A deletion error propagates and stops the scan. Returns the
// number of records deleted; limit <= 0 means unbounded.
func DeleteWithPredicate(
	ctx context.Context,
	store kv.Store,
	pred Predicate,
	limit int,
	beforeDelete func(kv.Item) error,
	afterDelete func(kv.Item),
) (int, error) {
	cur, err := store.OpenCursor(ctx, kv.Forward)
	if err != nil {
		return 0, fmt.Errorf("open cursor: %w", err)
	}
	defer cur.Close()

	deleted := 0
	for {
		item, ok, err := cur.Next(ctx)
		if err != nil {
			return deleted, err
		}
		if !ok {
			return deleted, nil
		}
		match, err := pred(item.Record)
		if err != nil {
			return deleted, err
		}
		if !match {
			continue
		}
		if beforeDelete != nil {
			if err := beforeDelete(item); err != nil {
				if errors.Is(err, ErrSkip) {
					continue
				}
				return deleted, err
			}
		}
		if err := store.Delete(ctx, item.PrimaryKey); err != nil {
			return deleted, err
		}
		deleted++
		if afterDelete != nil {
			afterDelete(item)
		}
		if limit > 0 && deleted >= limit {
			return deleted, nil
		}
	}
}

// Range returns all index entries whose key falls in r, in index order.
func Range(ctx context.Context, ix kv.Index, r kv.KeyRange) ([]kv.Record, error) {
	return ix.GetAll(ctx, r)
}

// FirstByDirection returns the first record when traversing ix forward
// or backward, or ok=false if the index is empty.
func FirstByDirection(ctx context.Context, ix kv.Index, dir kv.Direction) (kv.Record, bool, error) {
	cur, err := ix.OpenCursor(ctx, kv.Unbounded(), dir)
	if err != nil {
		return nil, false, fmt.Errorf("open cursor: %w", err)
	}
	defer cur.Close()
	item, ok, err := cur.Next(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return item.Record, true, nil
}
