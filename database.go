package strata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/integrity"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/live"
	"github.com/roach88/strata/relation"
	"github.com/roach88/strata/txn"
)

// Database is one open overlay database: an engine database plus the
// scheduler, integrity enforcer, relation resolvers, and mutation hub
// built from its collection specs.
type Database struct {
	db       kv.DB
	sched    *txn.Scheduler
	enforcer *integrity.Enforcer
	hub      *live.Hub
	logger   *slog.Logger

	specs     map[string]CollectionSpec
	resolvers map[string]*relation.Resolver

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the named database on engine at the given
// schema version. When the stored version is behind, collections and
// indexes are created inside the engine's upgrade scope; creation is
// idempotent, so specs may grow between versions. Opening with a
// version lower than the stored one fails.
func Open(ctx context.Context, engine kv.Engine, name string, version int64, specs []CollectionSpec, opts *Options) (*Database, error) {
	logger := slog.Default()
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}

	byName := make(map[string]CollectionSpec, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", spec.Name)
		}
		byName[spec.Name] = spec
	}
	for _, spec := range specs {
		for _, rule := range spec.ForeignKeys {
			if _, ok := byName[rule.TargetCollection]; !ok {
				return nil, fmt.Errorf("collection %q: foreign key %q targets undeclared collection %q",
					spec.Name, rule.Field, rule.TargetCollection)
			}
		}
		for _, def := range spec.Relations {
			if _, ok := byName[def.TargetCollection]; !ok {
				return nil, fmt.Errorf("collection %q: relation %q targets undeclared collection %q",
					spec.Name, def.Name, def.TargetCollection)
			}
		}
	}

	db, err := engine.Open(ctx, name, version, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		logger.Info("upgrading database schema",
			"database", name, "from", oldVersion, "to", version)
		for _, spec := range specs {
			err := db.CreateCollection(ctx, kv.CollectionSpec{
				Name:      spec.Name,
				KeyFields: spec.KeyFields,
				AutoKey:   spec.AutoKey,
			})
			if err != nil {
				return fmt.Errorf("create collection %q: %w", spec.Name, err)
			}
			for _, ix := range spec.Indexes {
				if err := db.CreateIndex(ctx, spec.Name, ix); err != nil {
					return fmt.Errorf("create index %q on %q: %w", ix.Name, spec.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, dberr.Storage("open", err)
	}

	d := &Database{
		db:        db,
		sched:     txn.NewScheduler(db, logger),
		enforcer:  integrity.New(logger),
		hub:       live.NewHub(),
		logger:    logger,
		specs:     byName,
		resolvers: make(map[string]*relation.Resolver, len(specs)),
	}
	for _, spec := range specs {
		d.enforcer.Declare(spec.Name, spec.KeyFields, spec.ForeignKeys)
		defs := make([]relation.Definition, len(spec.Relations))
		for i, def := range spec.Relations {
			def.SourceCollection = spec.Name
			defs[i] = def
		}
		d.resolvers[spec.Name] = relation.New(spec.Name, defs, d)
	}
	return d, nil
}

// Name returns the database name.
func (d *Database) Name() string { return d.db.Name() }

// Version returns the schema version the database was opened at.
func (d *Database) Version() int64 { return d.db.Version() }

// Collection returns the handle for a declared collection.
func (d *Database) Collection(name string) (*Collection, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, &dberr.DisposedResourceError{Resource: "database"}
	}
	spec, ok := d.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrNoSuchCollection, name)
	}
	return &Collection{db: d, spec: spec}, nil
}

// Resolver returns the relation resolver owning a collection's
// declared relations. It implements relation.Registry, so nested
// expansion routes back through the database.
func (d *Database) Resolver(collection string) (*relation.Resolver, error) {
	r, ok := d.resolvers[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", kv.ErrNoSuchCollection, collection)
	}
	return r, nil
}

// Read runs handler inside a read-only scope over the named
// collections, reusing an ambient scope carried by ctx. Exposed so
// callers can compose multi-collection reads; single-collection reads
// usually go through Collection.
func (d *Database) Read(ctx context.Context, collections []string, handler func(ctx context.Context, tc *txn.Context) error) error {
	return d.sched.Read(ctx, collections, handler)
}

// Write runs handler inside a read-write scope over the named
// collections, reusing an ambient scope carried by ctx. Mutations made
// through the handler's Context are published to live queries after
// commit.
func (d *Database) Write(ctx context.Context, collections []string, handler func(ctx context.Context, tc *txn.Context) error) error {
	return d.sched.Write(ctx, collections, func(ctx context.Context, tc *txn.Context) error {
		d.stagePublish(tc)
		return handler(ctx, tc)
	})
}

// Close closes the database. Open Collection handles and live queries
// become unusable; Close is idempotent.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if err := d.db.Close(); err != nil {
		return dberr.Storage("close", err)
	}
	return nil
}

// stagePublish arranges for the collections mutated through tc to be
// published to the hub after commit. The keyed pre-commit callback
// deduplicates across mutations sharing one scope; registering the
// post-commit publisher that late keeps the published set complete.
func (d *Database) stagePublish(tc *txn.Context) {
	tc.OnWillCommit("live-publish", func(context.Context) error {
		tc.OnDidCommit(func() {
			written := tc.Written()
			if len(written) == 0 {
				return
			}
			d.hub.Publish(written...)
		})
		return nil
	})
}

// scopeForWith returns the collections a Find over collection touches:
// the collection itself plus every target reachable through the with
// spec, walked over the declared relation tree.
func (d *Database) scopeForWith(collection string, with relation.With) ([]string, error) {
	seen := map[string]struct{}{collection: {}}
	if err := d.collectWithTargets(collection, with, seen); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Database) collectWithTargets(collection string, with relation.With, seen map[string]struct{}) error {
	if len(with) == 0 {
		return nil
	}
	resolver, err := d.Resolver(collection)
	if err != nil {
		return err
	}
	defs := resolver.Definitions()
	for name, req := range with {
		if req != nil && req.Skip {
			continue
		}
		def, ok := defs[name]
		if !ok {
			return fmt.Errorf("collection %q declares no relation %q", collection, name)
		}
		seen[def.TargetCollection] = struct{}{}
		if req != nil {
			if err := d.collectWithTargets(def.TargetCollection, req.With, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
