package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/strata/kv"
)

// tx maps one scope onto a SQLite transaction.
type tx struct {
	db    *database
	sqlTx *sql.Tx
	mode  kv.Mode
	scope map[string]struct{}

	mu   sync.Mutex
	done bool
}

func (t *tx) Mode() kv.Mode { return t.mode }

func (t *tx) Store(name string) (kv.Store, error) {
	if _, ok := t.scope[name]; !ok {
		return nil, fmt.Errorf("store %q: %w", name, kv.ErrNoSuchCollection)
	}
	spec, ok := t.db.engine.collectionSpec(t.db.name, name)
	if !ok {
		return nil, fmt.Errorf("store %q: %w", name, kv.ErrNoSuchCollection)
	}
	return &store{tx: t, name: name, spec: spec}, nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *tx) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	if err := t.sqlTx.Rollback(); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

func (t *tx) active() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return kv.ErrTxDone
	}
	return nil
}

func (t *tx) writable() error {
	if err := t.active(); err != nil {
		return err
	}
	if t.mode != kv.ReadWrite {
		return kv.ErrReadOnly
	}
	return nil
}

// store is single-collection access within a tx.
type store struct {
	tx   *tx
	name string
	spec kv.CollectionSpec
}

func (s *store) recordKey(rec kv.Record) (kv.Key, error) {
	if len(s.spec.KeyFields) == 0 {
		return kv.NormalizeKey(s.tx.db.engine.keyGen.NextKey())
	}
	key, err := kv.KeyFromRecord(rec, s.spec.KeyFields)
	if err == nil {
		return key, nil
	}
	if s.spec.AutoKey && len(s.spec.KeyFields) == 1 {
		if v, ok := rec[s.spec.KeyFields[0]]; !ok || v == nil {
			gen := s.tx.db.engine.keyGen.NextKey()
			rec[s.spec.KeyFields[0]] = gen
			return kv.NormalizeKey(gen)
		}
	}
	return nil, err
}

func (s *store) Add(ctx context.Context, rec kv.Record) (kv.Key, error) {
	return s.write(ctx, rec, false)
}

func (s *store) Put(ctx context.Context, rec kv.Record) (kv.Key, error) {
	return s.write(ctx, rec, true)
}

func (s *store) write(ctx context.Context, rec kv.Record, upsert bool) (kv.Key, error) {
	if err := s.tx.writable(); err != nil {
		return nil, err
	}
	key, err := s.recordKey(rec)
	if err != nil {
		return nil, err
	}
	enc, err := kv.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if err := s.checkUnique(ctx, rec, enc); err != nil {
		return nil, err
	}
	if upsert {
		_, err = s.tx.sqlTx.ExecContext(ctx, `
			INSERT INTO strata_records (db_name, collection, k, doc)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(db_name, collection, k) DO UPDATE SET doc = excluded.doc
		`, s.tx.db.name, s.name, enc, string(doc))
	} else {
		_, err = s.tx.sqlTx.ExecContext(ctx, `
			INSERT INTO strata_records (db_name, collection, k, doc)
			VALUES (?, ?, ?, ?)
		`, s.tx.db.name, s.name, enc, string(doc))
	}
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("add to %q: %w", s.name, kv.ErrKeyExists)
		}
		return nil, fmt.Errorf("write to %q: %w", s.name, err)
	}
	return key, nil
}

// checkUnique emulates unique secondary indexes: the record table keys
// on the primary key only, so uniqueness over index fields is checked
// against the collection's current contents.
func (s *store) checkUnique(ctx context.Context, rec kv.Record, selfEnc string) error {
	specs := s.tx.db.engine.indexSpecs(s.tx.db.name, s.name)
	var unique []kv.IndexSpec
	for _, spec := range specs {
		if spec.Unique {
			unique = append(unique, spec)
		}
	}
	if len(unique) == 0 {
		return nil
	}
	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, spec := range unique {
		ik, ok := kv.IndexKey(rec, spec)
		if !ok {
			continue
		}
		for _, e := range entries {
			if e.enc == selfEnc {
				continue
			}
			otherKey, present := kv.IndexKey(e.rec, spec)
			if present && kv.CompareKeys(ik, otherKey) == 0 {
				return fmt.Errorf("index %q: %w", spec.Name, kv.ErrUniqueConstraint)
			}
		}
	}
	return nil
}

func (s *store) Get(ctx context.Context, key kv.Key) (kv.Record, bool, error) {
	if err := s.tx.active(); err != nil {
		return nil, false, err
	}
	enc, err := kv.EncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	var doc string
	err = s.tx.sqlTx.QueryRowContext(ctx, `
		SELECT doc FROM strata_records WHERE db_name = ? AND collection = ? AND k = ?
	`, s.tx.db.name, s.name, enc).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get from %q: %w", s.name, err)
	}
	var rec kv.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

func (s *store) Delete(ctx context.Context, key kv.Key) error {
	if err := s.tx.writable(); err != nil {
		return err
	}
	enc, err := kv.EncodeKey(key)
	if err != nil {
		return err
	}
	_, err = s.tx.sqlTx.ExecContext(ctx, `
		DELETE FROM strata_records WHERE db_name = ? AND collection = ? AND k = ?
	`, s.tx.db.name, s.name, enc)
	if err != nil {
		return fmt.Errorf("delete from %q: %w", s.name, err)
	}
	return nil
}

func (s *store) Clear(ctx context.Context) error {
	if err := s.tx.writable(); err != nil {
		return err
	}
	_, err := s.tx.sqlTx.ExecContext(ctx, `
		DELETE FROM strata_records WHERE db_name = ? AND collection = ?
	`, s.tx.db.name, s.name)
	if err != nil {
		return fmt.Errorf("clear %q: %w", s.name, err)
	}
	return nil
}

// loadedEntry is one decoded row of the collection.
type loadedEntry struct {
	key kv.Key
	enc string
	rec kv.Record
}

// load materializes the collection in ascending key order.
func (s *store) load(ctx context.Context) ([]loadedEntry, error) {
	rows, err := s.tx.sqlTx.QueryContext(ctx, `
		SELECT k, doc FROM strata_records WHERE db_name = ? AND collection = ?
	`, s.tx.db.name, s.name)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", s.name, err)
	}
	defer rows.Close()

	var entries []loadedEntry
	for rows.Next() {
		var enc, doc string
		if err := rows.Scan(&enc, &doc); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		key, err := kv.DecodeKey(enc)
		if err != nil {
			return nil, err
		}
		var rec kv.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		entries = append(entries, loadedEntry{key: key, enc: enc, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %q: %w", s.name, err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if c := kv.CompareKeys(entries[i].key, entries[j].key); c != 0 {
			return c < 0
		}
		return entries[i].enc < entries[j].enc
	})
	return entries, nil
}

func (s *store) GetAll(ctx context.Context) ([]kv.Record, error) {
	if err := s.tx.active(); err != nil {
		return nil, err
	}
	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out, nil
}

func (s *store) Count(ctx context.Context) (int64, error) {
	if err := s.tx.active(); err != nil {
		return 0, err
	}
	var n int64
	err := s.tx.sqlTx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM strata_records WHERE db_name = ? AND collection = ?
	`, s.tx.db.name, s.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", s.name, err)
	}
	return n, nil
}

func (s *store) OpenCursor(ctx context.Context, dir kv.Direction) (kv.Cursor, error) {
	if err := s.tx.active(); err != nil {
		return nil, err
	}
	entries, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]kv.Item, len(entries))
	for i, e := range entries {
		items[i] = kv.Item{Key: e.key, PrimaryKey: e.key, Record: e.rec}
	}
	if dir == kv.Reverse {
		reverseItems(items)
	}
	return &cursor{tx: s.tx, items: items}, nil
}

func (s *store) Index(name string) (kv.Index, error) {
	spec, ok := s.tx.db.engine.indexSpec(s.tx.db.name, s.name, name)
	if !ok {
		return nil, fmt.Errorf("index %q on %q: %w", name, s.name, kv.ErrNoSuchIndex)
	}
	return &index{store: s, spec: spec}, nil
}

// index evaluates a secondary index at scan time from record data.
type index struct {
	store *store
	spec  kv.IndexSpec
}

func (ix *index) entries(ctx context.Context, r kv.KeyRange) ([]kv.Item, error) {
	loaded, err := ix.store.load(ctx)
	if err != nil {
		return nil, err
	}
	var items []kv.Item
	for _, e := range loaded {
		ik, ok := kv.IndexKey(e.rec, ix.spec)
		if !ok || !r.Contains(ik) {
			continue
		}
		items = append(items, kv.Item{Key: ik, PrimaryKey: e.key, Record: e.rec})
	}
	// Stable over record order, so equal index keys keep ascending
	// primary-key order.
	sort.SliceStable(items, func(i, j int) bool {
		return kv.CompareKeys(items[i].Key, items[j].Key) < 0
	})
	return items, nil
}

func (ix *index) OpenCursor(ctx context.Context, r kv.KeyRange, dir kv.Direction) (kv.Cursor, error) {
	if err := ix.store.tx.active(); err != nil {
		return nil, err
	}
	items, err := ix.entries(ctx, r)
	if err != nil {
		return nil, err
	}
	if dir == kv.Reverse {
		reverseItems(items)
	}
	return &cursor{tx: ix.store.tx, items: items}, nil
}

func (ix *index) GetAll(ctx context.Context, r kv.KeyRange) ([]kv.Record, error) {
	if err := ix.store.tx.active(); err != nil {
		return nil, err
	}
	items, err := ix.entries(ctx, r)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(items))
	for i, it := range items {
		out[i] = it.Record
	}
	return out, nil
}

func reverseItems(items []kv.Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// cursor steps over a traversal snapshot materialized at open time.
// Writes issued through the same scope after the cursor opened are not
// reflected in the remaining traversal.
type cursor struct {
	tx    *tx
	items []kv.Item
	pos   int
}

func (c *cursor) Next(ctx context.Context) (kv.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return kv.Item{}, false, err
	}
	if err := c.tx.active(); err != nil {
		return kv.Item{}, false, err
	}
	if c.pos >= len(c.items) {
		return kv.Item{}, false, nil
	}
	it := c.items[c.pos]
	c.pos++
	return it, true, nil
}

func (c *cursor) Close() error {
	c.pos = len(c.items)
	return nil
}
