// Package memdb is an in-memory implementation of the kv engine
// contract.
//
// Collections are copy-on-write: a scope that writes works on a private
// copy of each touched collection and swaps it in on commit, so readers
// opened before the commit keep their consistent view. Records are held
// JSON-encoded; every read decodes a fresh copy, so callers never alias
// stored state.
//
// There is no cross-scope conflict detection: concurrent read-write
// scopes over the same collection commit last-writer-wins, matching the
// consistency the overlay asks of its engine. Secondary indexes are
// evaluated at scan time from the record data rather than maintained as
// separate structures; unique constraints are checked on write.
package memdb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/strata/kv"
)

// Options configures an Engine.
type Options struct {
	// KeyGen assigns keys for AutoKey collections. Defaults to
	// kv.UUIDv7Generator.
	KeyGen kv.KeyGenerator
	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine holds named in-memory databases.
type Engine struct {
	mu     sync.Mutex
	dbs    map[string]*database
	keyGen kv.KeyGenerator
	logger *slog.Logger
}

// New creates an empty engine. opts may be nil.
func New(opts *Options) *Engine {
	e := &Engine{dbs: make(map[string]*database)}
	if opts != nil && opts.KeyGen != nil {
		e.keyGen = opts.KeyGen
	} else {
		e.keyGen = kv.UUIDv7Generator{}
	}
	if opts != nil && opts.Logger != nil {
		e.logger = opts.Logger
	} else {
		e.logger = slog.Default()
	}
	return e
}

// Open opens or creates the named database, running upgrade when the
// stored version is below the requested one.
func (e *Engine) Open(ctx context.Context, name string, version int64, upgrade kv.UpgradeFunc) (kv.DB, error) {
	if version < 1 {
		return nil, fmt.Errorf("open %q: version must be >= 1, got %d", name, version)
	}
	e.mu.Lock()
	db, ok := e.dbs[name]
	if !ok {
		db = &database{
			name:        name,
			engine:      e,
			collections: make(map[string]*collection),
		}
		e.dbs[name] = db
	}
	e.mu.Unlock()

	db.mu.Lock()
	db.closed = false
	if version < db.version {
		stored := db.version
		db.mu.Unlock()
		return nil, fmt.Errorf("open %q: requested version %d below stored version %d", name, version, stored)
	}
	if version == db.version {
		db.mu.Unlock()
		return db, nil
	}
	old := db.version
	db.version = version
	// The lock is released while the upgrade callback runs: it calls
	// back into CreateCollection/CreateIndex, which take db.mu
	// themselves.
	db.mu.Unlock()

	var upErr error
	if upgrade != nil {
		upErr = upgrade(ctx, db, old)
	}

	db.mu.Lock()
	if upErr != nil {
		db.version = old
		db.mu.Unlock()
		return nil, fmt.Errorf("upgrade %q from %d to %d: %w", name, old, version, upErr)
	}
	db.mu.Unlock()
	e.logger.Debug("database upgraded", "name", name, "from", old, "to", version)
	return db, nil
}

// database is one named in-memory database. The collections map holds
// immutable *collection values swapped wholesale on commit.
type database struct {
	name   string
	engine *Engine

	mu          sync.RWMutex
	version     int64
	collections map[string]*collection
	closed      bool
}

// collection is an immutable snapshot of one collection's data. Writes
// produce a new value; committed values are never mutated in place.
type collection struct {
	spec    kv.CollectionSpec
	indexes map[string]kv.IndexSpec
	entries []entry // sorted by kv.CompareKeys over key
}

// entry is one stored record with its normalized key and its
// deterministic encoded form (used for equality and deduplication).
type entry struct {
	key kv.Key
	enc string
	doc []byte
}

func (c *collection) clone() *collection {
	out := &collection{
		spec:    c.spec,
		indexes: make(map[string]kv.IndexSpec, len(c.indexes)),
		entries: make([]entry, len(c.entries)),
	}
	for k, v := range c.indexes {
		out.indexes[k] = v
	}
	copy(out.entries, c.entries)
	return out
}

// search returns the position of enc in the sorted entries, and whether
// it is present.
func (c *collection) search(key kv.Key, enc string) (int, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		if cmp := kv.CompareKeys(c.entries[i].key, key); cmp != 0 {
			return cmp >= 0
		}
		return c.entries[i].enc >= enc
	})
	return i, i < len(c.entries) && c.entries[i].enc == enc
}

func (db *database) Name() string { return db.name }

func (db *database) Version() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.version
}

func (db *database) CreateCollection(ctx context.Context, spec kv.CollectionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("create collection: empty name")
	}
	if len(spec.KeyFields) == 0 && !spec.AutoKey {
		return fmt.Errorf("create collection %q: no key fields and no auto key", spec.Name)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	if existing, ok := db.collections[spec.Name]; ok {
		if !sameKeyShape(existing.spec, spec) {
			return fmt.Errorf("create collection %q: key shape differs from existing declaration", spec.Name)
		}
		return nil
	}
	db.collections[spec.Name] = &collection{
		spec:    spec,
		indexes: make(map[string]kv.IndexSpec),
	}
	return nil
}

func sameKeyShape(a, b kv.CollectionSpec) bool {
	if a.AutoKey != b.AutoKey || len(a.KeyFields) != len(b.KeyFields) {
		return false
	}
	for i := range a.KeyFields {
		if a.KeyFields[i] != b.KeyFields[i] {
			return false
		}
	}
	return true
}

func (db *database) DeleteCollection(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	if _, ok := db.collections[name]; !ok {
		return fmt.Errorf("delete collection %q: %w", name, kv.ErrNoSuchCollection)
	}
	delete(db.collections, name)
	return nil
}

func (db *database) CreateIndex(ctx context.Context, collectionName string, spec kv.IndexSpec) error {
	if spec.Name == "" || len(spec.Fields) == 0 {
		return fmt.Errorf("create index: name and fields are required")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	c, ok := db.collections[collectionName]
	if !ok {
		return fmt.Errorf("create index %q on %q: %w", spec.Name, collectionName, kv.ErrNoSuchCollection)
	}
	next := c.clone()
	next.indexes[spec.Name] = spec
	db.collections[collectionName] = next
	return nil
}

func (db *database) Collections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *database) Begin(ctx context.Context, collections []string, mode kv.Mode) (kv.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, kv.ErrClosed
	}
	base := make(map[string]*collection, len(collections))
	for _, name := range collections {
		c, ok := db.collections[name]
		if !ok {
			return nil, fmt.Errorf("begin over %q: %w", name, kv.ErrNoSuchCollection)
		}
		base[name] = c
	}
	return &tx{db: db, mode: mode, base: base, dirty: make(map[string]*collection)}, nil
}

func (db *database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
