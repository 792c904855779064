// Package strata is a relational overlay over a transactional
// key-value engine: declared collections with composite or
// engine-assigned keys, secondary indexes, foreign-key enforcement with
// on-delete policies, simulated equality joins with nested expansion,
// and live queries that recompute when a collection they read is
// mutated.
//
// The overlay is a thin orchestration layer. Storage semantics live in
// the kv engine contract (two implementations ship, kv/memdb and
// kv/sqlitedb); transaction scoping in txn; traversal in scan;
// referential integrity in integrity; joins in relation; cached
// reactive reads in live. Database wires them together and Collection
// exposes the record operations.
//
// Every operation opens its own transaction scope unless the caller's
// context already carries one, so composed operations — an insert whose
// validation reads a parent, a delete whose cascade touches three
// collections — settle atomically.
package strata
