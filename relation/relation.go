// Package relation resolves declared relations over root records:
// simulated equality joins with cascading nested population.
//
// Resolution is read-only against storage. Roots are in-memory record
// copies; each resolved relation becomes a property on the root record,
// nil or a single record for one-to-one, an ordered slice for
// one-to-many. One full forward scan of the target collection serves
// all roots of one Populate call: roots are grouped by their source
// field value and each scanned target record is matched against the
// group map.
package relation

import (
	"context"
	"fmt"

	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/scan"
	"github.com/roach88/strata/txn"
)

// Cardinality is the shape of a relation: one related record or many.
type Cardinality int

const (
	// OneToOne resolves to a single record property. With multiple
	// matches the last one in scan order wins, deterministically; this
	// is a policy choice, not an artifact of assignment order.
	OneToOne Cardinality = iota + 1
	// OneToMany resolves to an ordered slice property, appended in
	// scan order.
	OneToMany
)

// String returns the cardinality name as used in logs and errors.
func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	default:
		return "unknown"
	}
}

// Definition declares one directional relation: resolving the source
// collection's relation scans the target collection, grouping scanned
// records by TargetField and matching them against the roots'
// SourceField values.
type Definition struct {
	Name             string
	Cardinality      Cardinality
	SourceField      string
	TargetField      string
	SourceCollection string
	TargetCollection string
}

// Request configures one relation expansion.
type Request struct {
	// Skip disables the relation even though it appears in the With
	// spec.
	Skip bool
	// Where filters related records before they are applied to any
	// root. An error from the filter aborts the whole resolution.
	Where scan.Predicate
	// Limit caps matches per root for one-to-many relations; 0 means
	// unbounded. Ignored for one-to-one.
	Limit int
	// With recurses into relations of the target collection, applied
	// only to the records discovered by this expansion.
	With With
}

// With names the relations to expand. A nil entry requests the default
// expansion. The request is a finite tree supplied by the caller, which
// is what bounds recursion over cyclic relation graphs: only named
// relations are followed, never the full graph.
type With map[string]*Request

// Registry resolves a collection name to the Resolver owning its
// relation definitions, so nested expansion stays scoped to the target
// collection's own declarations.
type Registry interface {
	Resolver(collection string) (*Resolver, error)
}

// Resolver resolves the relations declared on one collection.
type Resolver struct {
	collection string
	defs       map[string]Definition
	registry   Registry
}

// New creates a resolver for a collection's relation definitions.
func New(collection string, defs []Definition, registry Registry) *Resolver {
	m := make(map[string]Definition, len(defs))
	for _, def := range defs {
		m[def.Name] = def
	}
	return &Resolver{collection: collection, defs: m, registry: registry}
}

// Definitions returns the declared relations, keyed by name.
func (r *Resolver) Definitions() map[string]Definition {
	return r.defs
}

// Resolve expands every relation named in with (skipping disabled ones)
// against roots. Each relation is an independent scan of its target
// collection; an error from any scan or filter aborts the whole
// resolution.
func (r *Resolver) Resolve(ctx context.Context, tc *txn.Context, with With, roots []kv.Record) error {
	for name, req := range with {
		if req != nil && req.Skip {
			continue
		}
		def, ok := r.defs[name]
		if !ok {
			return fmt.Errorf("collection %q declares no relation %q", r.collection, name)
		}
		if err := r.Populate(ctx, tc, roots, def, req); err != nil {
			return fmt.Errorf("resolve %q: %w", name, err)
		}
	}
	return nil
}

// rootSlot tracks one root's accumulation state within a group.
type rootSlot struct {
	rec     kv.Record
	matches int
}

// Populate resolves one relation for roots via a single forward scan of
// the target collection. req may be nil for the default expansion.
func (r *Resolver) Populate(ctx context.Context, tc *txn.Context, roots []kv.Record, def Definition, req *Request) error {
	if req == nil {
		req = &Request{}
	}

	// Group roots by their source field value and initialize the
	// relation property: nil for one-to-one, empty slice for
	// one-to-many. Roots without a groupable value keep the initial
	// property and never match.
	groups := make(map[string][]*rootSlot)
	for _, root := range roots {
		if def.Cardinality == OneToMany {
			root[def.Name] = []kv.Record{}
		} else {
			root[def.Name] = nil
		}
		v, ok := root[def.SourceField]
		if !ok || v == nil {
			continue
		}
		enc, err := encodeGroupValue(v)
		if err != nil {
			continue
		}
		groups[enc] = append(groups[enc], &rootSlot{rec: root})
	}

	store, err := tc.Store(def.TargetCollection)
	if err != nil {
		return err
	}
	cur, err := store.OpenCursor(ctx, kv.Forward)
	if err != nil {
		return err
	}
	seq := scan.NewSequence(cur)
	defer seq.Close()

	var nested []kv.Record
	for len(groups) > 0 {
		item, ok, err := seq.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		related := item.Record
		v, ok := related[def.TargetField]
		if !ok || v == nil {
			continue
		}
		enc, err := encodeGroupValue(v)
		if err != nil {
			continue
		}
		slots, ok := groups[enc]
		if !ok {
			continue
		}
		if req.Where != nil {
			match, err := req.Where(related)
			if err != nil {
				return err
			}
			if !match {
				continue
			}
		}

		nested = append(nested, related)
		remaining := slots[:0]
		for _, slot := range slots {
			switch def.Cardinality {
			case OneToMany:
				slot.rec[def.Name] = append(slot.rec[def.Name].([]kv.Record), related)
				slot.matches++
				// A root at its limit leaves the group, so the scan
				// can skip this key once every root reached it.
				if req.Limit > 0 && slot.matches >= req.Limit {
					continue
				}
			default:
				// Unconditional overwrite: the last match in scan
				// order is the resolved value.
				slot.rec[def.Name] = related
				slot.matches++
			}
			remaining = append(remaining, slot)
		}
		if len(remaining) == 0 {
			delete(groups, enc)
		} else {
			groups[enc] = remaining
		}
	}

	if len(req.With) > 0 && len(nested) > 0 {
		// Depth-first recursion over newly discovered records only,
		// using the target collection's own resolver so definitions
		// stay scoped to their owning collection.
		nestedResolver, err := r.registry.Resolver(def.TargetCollection)
		if err != nil {
			return err
		}
		if err := nestedResolver.Resolve(ctx, tc, req.With, nested); err != nil {
			return err
		}
	}
	return nil
}

// encodeGroupValue renders a join value for group-map lookup. Values
// outside the key domain are not joinable.
func encodeGroupValue(v any) (string, error) {
	return kv.EncodeKey(v)
}
