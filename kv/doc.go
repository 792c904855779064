// Package kv defines the contract between the relational overlay and the
// underlying transactional key-value engine.
//
// The overlay never talks to storage directly: every read and write goes
// through an Engine supplied by the embedder. Two implementations ship with
// this module (kv/memdb and kv/sqlitedb); any engine satisfying the
// interfaces here can be substituted.
//
// ENGINE MODEL:
//
// An Engine opens named, versioned databases. A DB holds named collections,
// each optionally keyed by one or more record fields (composite keys) and
// carrying zero or more secondary indexes. All data access happens inside a
// Tx: a scope over a declared set of collections, opened read-write or
// read-only, with exactly one terminal outcome (commit or abort).
//
// Within a scope, a Store exposes single-collection CRUD plus cursor
// traversal in key order; an Index exposes range-restricted traversal in
// index-key order. Cursors are pull-based: each Next call advances exactly
// one step. Operations issued sequentially against the same scope observe
// each other's writes.
//
// KEY DOMAIN:
//
// Keys are ordered scalars (int64, float64, string, []byte) or composite
// []any sequences compared elementwise. CompareKeys defines the total
// order; NormalizeKey maps Go's numeric zoo onto it. Key ranges restrict
// index scans to bounded, half-bounded, or unbounded intervals.
package kv
