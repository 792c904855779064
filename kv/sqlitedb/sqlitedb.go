// Package sqlitedb is a SQLite-backed implementation of the kv engine
// contract.
//
// One SQLite file hosts any number of named overlay databases. Records
// live JSON-encoded in a single table keyed by (database, collection,
// encoded key); collection and index declarations live in catalog
// tables and are cached in memory. Transaction scopes map onto SQLite
// transactions, so commit and abort carry SQLite's durability.
//
// Traversal order is defined by the kv key order, not by SQLite's TEXT
// collation over encoded keys, so cursors materialize the collection
// and sort in Go. This favors correctness of the key domain over scan
// throughput; the engine is sized for embedded workloads.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/strata/kv"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - pre-migration
// 1 - initial catalog + record tables
const currentSchemaVersion = 1

// Options configures an Engine.
type Options struct {
	// KeyGen assigns keys for AutoKey collections. Defaults to
	// kv.UUIDv7Generator.
	KeyGen kv.KeyGenerator
	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is a SQLite-backed kv engine over one database file.
type Engine struct {
	db     *sql.DB
	keyGen kv.KeyGenerator
	logger *slog.Logger

	// catalogMu guards the in-memory catalog caches below.
	catalogMu   sync.RWMutex
	collections map[string]map[string]kv.CollectionSpec
	indexes     map[string]map[string]map[string]kv.IndexSpec
}

// Open creates or opens a SQLite file at the given path (":memory:" for
// an in-memory database). Applies required pragmas and schema
// migrations automatically; safe to call repeatedly on the same path.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func Open(path string, opts *Options) (*Engine, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	e := &Engine{
		db:          db,
		keyGen:      kv.UUIDv7Generator{},
		logger:      slog.Default(),
		collections: make(map[string]map[string]kv.CollectionSpec),
		indexes:     make(map[string]map[string]map[string]kv.IndexSpec),
	}
	if opts != nil && opts.KeyGen != nil {
		e.keyGen = opts.KeyGen
	}
	if opts != nil && opts.Logger != nil {
		e.logger = opts.Logger
	}
	if err := e.loadCatalog(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return e, nil
}

// Close closes the underlying SQLite connection.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	// No incremental migrations yet; bump the marker so future ones
	// have a baseline to start from.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// loadCatalog populates the in-memory collection and index caches from
// the catalog tables.
func (e *Engine) loadCatalog() error {
	rows, err := e.db.Query(`SELECT db_name, name, key_fields, auto_key FROM strata_collections`)
	if err != nil {
		return fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dbName, name, fieldsJSON string
		var autoKey bool
		if err := rows.Scan(&dbName, &name, &fieldsJSON, &autoKey); err != nil {
			return fmt.Errorf("scan collection row: %w", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("decode key fields of %q: %w", name, err)
		}
		e.cacheCollection(dbName, kv.CollectionSpec{Name: name, KeyFields: fields, AutoKey: autoKey})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate collections: %w", err)
	}

	idxRows, err := e.db.Query(`SELECT db_name, collection, name, fields, is_unique FROM strata_indexes`)
	if err != nil {
		return fmt.Errorf("query indexes: %w", err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var dbName, collection, name, fieldsJSON string
		var unique bool
		if err := idxRows.Scan(&dbName, &collection, &name, &fieldsJSON, &unique); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return fmt.Errorf("decode index fields of %q: %w", name, err)
		}
		e.cacheIndex(dbName, collection, kv.IndexSpec{Name: name, Fields: fields, Unique: unique})
	}
	if err := idxRows.Err(); err != nil {
		return fmt.Errorf("iterate indexes: %w", err)
	}
	return nil
}

func (e *Engine) cacheCollection(dbName string, spec kv.CollectionSpec) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if e.collections[dbName] == nil {
		e.collections[dbName] = make(map[string]kv.CollectionSpec)
	}
	e.collections[dbName][spec.Name] = spec
}

func (e *Engine) cacheIndex(dbName, collection string, spec kv.IndexSpec) {
	e.catalogMu.Lock()
	defer e.catalogMu.Unlock()
	if e.indexes[dbName] == nil {
		e.indexes[dbName] = make(map[string]map[string]kv.IndexSpec)
	}
	if e.indexes[dbName][collection] == nil {
		e.indexes[dbName][collection] = make(map[string]kv.IndexSpec)
	}
	e.indexes[dbName][collection][spec.Name] = spec
}

func (e *Engine) collectionSpec(dbName, name string) (kv.CollectionSpec, bool) {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	spec, ok := e.collections[dbName][name]
	return spec, ok
}

func (e *Engine) indexSpec(dbName, collection, name string) (kv.IndexSpec, bool) {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	spec, ok := e.indexes[dbName][collection][name]
	return spec, ok
}

func (e *Engine) indexSpecs(dbName, collection string) []kv.IndexSpec {
	e.catalogMu.RLock()
	defer e.catalogMu.RUnlock()
	specs := make([]kv.IndexSpec, 0, len(e.indexes[dbName][collection]))
	for _, spec := range e.indexes[dbName][collection] {
		specs = append(specs, spec)
	}
	return specs
}

// Open opens or creates the named overlay database inside the SQLite
// file. When the stored version is below the requested one, upgrade
// runs before Open returns; catalog writes inside it are idempotent, so
// an interrupted upgrade completes on the next open.
func (e *Engine) Open(ctx context.Context, name string, version int64, upgrade kv.UpgradeFunc) (kv.DB, error) {
	if version < 1 {
		return nil, fmt.Errorf("open %q: version must be >= 1, got %d", name, version)
	}
	var stored int64
	err := e.db.QueryRowContext(ctx, `SELECT version FROM strata_meta WHERE db_name = ?`, name).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("open %q: read version: %w", name, err)
	}
	if version < stored {
		return nil, fmt.Errorf("open %q: requested version %d below stored version %d", name, version, stored)
	}
	db := &database{engine: e, name: name, version: version}
	if version > stored {
		if upgrade != nil {
			if err := upgrade(ctx, db, stored); err != nil {
				return nil, fmt.Errorf("upgrade %q from %d to %d: %w", name, stored, version, err)
			}
		}
		_, err = e.db.ExecContext(ctx, `
			INSERT INTO strata_meta (db_name, version) VALUES (?, ?)
			ON CONFLICT(db_name) DO UPDATE SET version = excluded.version
		`, name, version)
		if err != nil {
			return nil, fmt.Errorf("open %q: store version: %w", name, err)
		}
		e.logger.Debug("database upgraded", "name", name, "from", stored, "to", version)
	}
	return db, nil
}

// database is one named overlay database inside the SQLite file.
type database struct {
	engine  *Engine
	name    string
	version int64
}

func (db *database) Name() string   { return db.name }
func (db *database) Version() int64 { return db.version }

func (db *database) CreateCollection(ctx context.Context, spec kv.CollectionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("create collection: empty name")
	}
	if len(spec.KeyFields) == 0 && !spec.AutoKey {
		return fmt.Errorf("create collection %q: no key fields and no auto key", spec.Name)
	}
	fieldsJSON, err := json.Marshal(spec.KeyFields)
	if err != nil {
		return fmt.Errorf("create collection %q: %w", spec.Name, err)
	}
	// ON CONFLICT DO NOTHING keeps re-declaration idempotent; a changed
	// key shape is caught against the cache below.
	if existing, ok := db.engine.collectionSpec(db.name, spec.Name); ok {
		if !sameKeyShape(existing, spec) {
			return fmt.Errorf("create collection %q: key shape differs from existing declaration", spec.Name)
		}
		return nil
	}
	_, err = db.engine.db.ExecContext(ctx, `
		INSERT INTO strata_collections (db_name, name, key_fields, auto_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(db_name, name) DO NOTHING
	`, db.name, spec.Name, string(fieldsJSON), spec.AutoKey)
	if err != nil {
		return fmt.Errorf("create collection %q: %w", spec.Name, err)
	}
	db.engine.cacheCollection(db.name, spec)
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
	if _, ok := db.engine.collectionSpec(db.name, name); !ok {
		return fmt.Errorf("delete collection %q: %w", name, kv.ErrNoSuchCollection)
	}
	for _, stmt := range []string{
		`DELETE FROM strata_records WHERE db_name = ? AND collection = ?`,
		`DELETE FROM strata_indexes WHERE db_name = ? AND collection = ?`,
	} {
		if _, err := db.engine.db.ExecContext(ctx, stmt, db.name, name); err != nil {
			return fmt.Errorf("delete collection %q: %w", name, err)
		}
	}
	if _, err := db.engine.db.ExecContext(ctx,
		`DELETE FROM strata_collections WHERE db_name = ? AND name = ?`, db.name, name); err != nil {
		return fmt.Errorf("delete collection %q: %w", name, err)
	}
	db.engine.catalogMu.Lock()
	delete(db.engine.collections[db.name], name)
	delete(db.engine.indexes[db.name], name)
	db.engine.catalogMu.Unlock()
	return nil
}

func (db *database) CreateIndex(ctx context.Context, collection string, spec kv.IndexSpec) error {
	if spec.Name == "" || len(spec.Fields) == 0 {
		return fmt.Errorf("create index: name and fields are required")
	}
	if _, ok := db.engine.collectionSpec(db.name, collection); !ok {
		return fmt.Errorf("create index %q on %q: %w", spec.Name, collection, kv.ErrNoSuchCollection)
	}
	fieldsJSON, err := json.Marshal(spec.Fields)
	if err != nil {
		return fmt.Errorf("create index %q: %w", spec.Name, err)
	}
	_, err = db.engine.db.ExecContext(ctx, `
		INSERT INTO strata_indexes (db_name, collection, name, fields, is_unique)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(db_name, collection, name) DO NOTHING
	`, db.name, collection, spec.Name, string(fieldsJSON), spec.Unique)
	if err != nil {
		return fmt.Errorf("create index %q: %w", spec.Name, err)
	}
	db.engine.cacheIndex(db.name, collection, spec)
	return nil
}

func (db *database) Collections() []string {
	db.engine.catalogMu.RLock()
	defer db.engine.catalogMu.RUnlock()
	names := make([]string, 0, len(db.engine.collections[db.name]))
	for name := range db.engine.collections[db.name] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *database) Begin(ctx context.Context, collections []string, mode kv.Mode) (kv.Tx, error) {
	for _, name := range collections {
		if _, ok := db.engine.collectionSpec(db.name, name); !ok {
			return nil, fmt.Errorf("begin over %q: %w", name, kv.ErrNoSuchCollection)
		}
	}
	sqlTx, err := db.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		scope[name] = struct{}{}
	}
	return &tx{db: db, sqlTx: sqlTx, mode: mode, scope: scope}, nil
}

// Close is a no-op for a database handle; the SQLite connection belongs
// to the Engine.
func (db *database) Close() error { return nil }
