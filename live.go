package strata

import (
	"github.com/roach88/strata/live"
)

// LiveQuery creates a cached reactive query over the database. compute
// runs inside a read-only scope; the collections it reads become the
// query's dependencies, and any committed mutation of one of them
// triggers a recomputation. A function rather than a Database method
// because methods cannot introduce type parameters.
func LiveQuery[T any](d *Database, compute live.ComputeFunc[T]) *live.Query[T] {
	return live.NewQuery(d.db, d.sched, d.hub, compute, d.logger)
}

// Hub exposes the mutation hub, where committed writes are published
// per collection name. Live queries subscribe through it; external
// observers may too.
func (d *Database) Hub() *live.Hub { return d.hub }
