package kv

import (
	"context"
	"errors"
)

// Mode selects the access mode of a transaction scope.
type Mode int

const (
	// ReadOnly scopes permit reads and cursor traversal only.
	ReadOnly Mode = iota
	// ReadWrite scopes additionally permit Add, Put, Delete, and Clear.
	ReadWrite
)

// String returns the mode name as used in logs.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// Direction selects cursor traversal order.
type Direction int

const (
	// Forward traverses in ascending key order.
	Forward Direction = iota
	// Reverse traverses in descending key order.
	Reverse
)

// Record is one stored row: a mapping of field name to value.
// Identity is the record's key, explicit (key fields) or engine-assigned.
type Record = map[string]any

// Key is a value in the ordered key domain. Valid keys are the scalar
// types int64, float64, string, and []byte, or a composite []any of
// those. See NormalizeKey.
type Key = any

// Item is one cursor position: the traversal key, the record's primary
// key, and the record itself. For store cursors Key == PrimaryKey; for
// index cursors Key is the index key.
type Item struct {
	Key        Key
	PrimaryKey Key
	Record     Record
}

// Sentinel errors reported by engines.
var (
	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("kv: key already exists")
	// ErrTxDone is returned when a scope is used after it settled.
	ErrTxDone = errors.New("kv: transaction already settled")
	// ErrReadOnly is returned for mutations inside a read-only scope.
	ErrReadOnly = errors.New("kv: read-only transaction")
	// ErrNoSuchCollection is returned for an undeclared collection name.
	ErrNoSuchCollection = errors.New("kv: no such collection")
	// ErrNoSuchIndex is returned for an unknown index name.
	ErrNoSuchIndex = errors.New("kv: no such index")
	// ErrInvalidKey is returned for values outside the key domain.
	ErrInvalidKey = errors.New("kv: invalid key")
	// ErrUniqueConstraint is returned when a write would duplicate a
	// unique index key.
	ErrUniqueConstraint = errors.New("kv: unique index constraint violated")
	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("kv: database closed")
)

// CollectionSpec declares a collection to an engine.
type CollectionSpec struct {
	// Name uniquely identifies the collection within its database.
	Name string
	// KeyFields lists the record fields forming the primary key. One
	// field yields scalar keys; several yield composite keys. Empty
	// KeyFields requires AutoKey.
	KeyFields []string
	// AutoKey makes the engine assign a key on Add when the record
	// carries none.
	AutoKey bool
}

// IndexSpec declares a secondary index over one or more fields.
type IndexSpec struct {
	Name   string
	Fields []string
	// Unique rejects writes that would duplicate an index key.
	Unique bool
}

// Engine opens named, versioned databases.
type Engine interface {
	// Open opens or creates the named database. When the stored version
	// is below version, upgrade (if non-nil) runs inside an exclusive
	// scope before Open returns; collection and index creation belong
	// there. Opening with a version lower than the stored one fails.
	Open(ctx context.Context, name string, version int64, upgrade UpgradeFunc) (DB, error)
}

// UpgradeFunc performs schema changes while a database moves from
// oldVersion to its declared version.
type UpgradeFunc func(ctx context.Context, db DB, oldVersion int64) error

// DB is one open database.
type DB interface {
	Name() string
	Version() int64

	// CreateCollection declares a collection. Idempotent for an
	// identical spec; changing the key shape of an existing collection
	// is an error.
	CreateCollection(ctx context.Context, spec CollectionSpec) error
	// DeleteCollection drops a collection and its data and indexes.
	DeleteCollection(ctx context.Context, name string) error
	// CreateIndex declares a secondary index on an existing collection.
	CreateIndex(ctx context.Context, collection string, spec IndexSpec) error
	// Collections returns the declared collection names, sorted.
	Collections() []string

	// Begin opens a scope over the named collections. The scope sees a
	// consistent view and settles exactly once, via Commit or Abort.
	Begin(ctx context.Context, collections []string, mode Mode) (Tx, error)

	Close() error
}

// Tx is one transaction scope.
type Tx interface {
	Mode() Mode
	// Store returns the handle for one of the scope's collections.
	Store(name string) (Store, error)
	// Commit makes the scope's writes durable. Exactly one of Commit
	// and Abort may succeed; both return ErrTxDone afterwards.
	Commit() error
	// Abort discards the scope's writes. Aborting a settled scope
	// returns ErrTxDone.
	Abort() error
}

// Store is single-collection access within a scope.
type Store interface {
	// Add inserts a record, failing with ErrKeyExists on a duplicate
	// key. For AutoKey collections a missing key is assigned. Returns
	// the record's key.
	Add(ctx context.Context, rec Record) (Key, error)
	// Put inserts or replaces the record at its key.
	Put(ctx context.Context, rec Record) (Key, error)
	// Get fetches the record at key. The second result reports
	// presence; absence is not an error.
	Get(ctx context.Context, key Key) (Record, bool, error)
	// Delete removes the record at key. Deleting an absent key is a
	// no-op.
	Delete(ctx context.Context, key Key) error
	// Clear removes every record.
	Clear(ctx context.Context) error
	// GetAll returns every record in ascending key order.
	GetAll(ctx context.Context) ([]Record, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int64, error)
	// OpenCursor starts a traversal over the whole collection.
	OpenCursor(ctx context.Context, dir Direction) (Cursor, error)
	// Index returns the named secondary index.
	Index(name string) (Index, error)
}

// Index is range-scannable secondary-index access within a scope.
type Index interface {
	// OpenCursor starts a traversal over entries whose index key falls
	// in r, in index-key order. A zero KeyRange means unbounded.
	OpenCursor(ctx context.Context, r KeyRange, dir Direction) (Cursor, error)
	// GetAll returns the records of all entries in r, in index order.
	GetAll(ctx context.Context, r KeyRange) ([]Record, error)
}

// Cursor is a pull-based traversal handle. Next advances one step and
// reports the item, or ok=false once exhausted. A cursor is only valid
// inside the scope that opened it.
type Cursor interface {
	Next(ctx context.Context) (item Item, ok bool, err error)
	Close() error
}
