package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/roach88/strata/kv"
)

// tx is one scope over a fixed set of collections. base holds the
// snapshots captured at Begin; dirty holds the private working copies of
// collections this scope has written.
type tx struct {
	db   *database
	mode kv.Mode

	mu    sync.Mutex
	done  bool
	base  map[string]*collection
	dirty map[string]*collection
}

func (t *tx) Mode() kv.Mode { return t.mode }

func (t *tx) Store(name string) (kv.Store, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.base[name]; !ok {
		return nil, fmt.Errorf("store %q: %w", name, kv.ErrNoSuchCollection)
	}
	return &store{tx: t, name: name}, nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	if len(t.dirty) == 0 {
		return nil
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.db.closed {
		return kv.ErrClosed
	}
	for name, c := range t.dirty {
		t.db.collections[name] = c
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
	t.dirty = nil
	return nil
}

// working returns the collection this scope currently sees.
func (t *tx) working(name string) (*collection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, kv.ErrTxDone
	}
	if c, ok := t.dirty[name]; ok {
		return c, nil
	}
	c, ok := t.base[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, kv.ErrNoSuchCollection)
	}
	return c, nil
}

// mutable returns the scope's private copy of the collection, cloning
// the base snapshot on first write.
func (t *tx) mutable(name string) (*collection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, kv.ErrTxDone
	}
	if t.mode != kv.ReadWrite {
		return nil, kv.ErrReadOnly
	}
	if c, ok := t.dirty[name]; ok {
		return c, nil
	}
	base, ok := t.base[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, kv.ErrNoSuchCollection)
	}
	c := base.clone()
	t.dirty[name] = c
	return c, nil
}

// store is single-collection access within a tx.
type store struct {
	tx   *tx
	name string
}

// recordKey derives the record's key per the collection spec. For
// AutoKey collections a missing key is generated; when the collection is
// keyed by a single field the generated key is written back into the
// record so it round-trips.
func (s *store) recordKey(c *collection, rec kv.Record) (kv.Key, error) {
	spec := c.spec
	if len(spec.KeyFields) == 0 {
		// Out-of-line keys: always engine-assigned.
		return kv.NormalizeKey(s.tx.db.engine.keyGen.NextKey())
	}
	key, err := kv.KeyFromRecord(rec, spec.KeyFields)
	if err == nil {
		return key, nil
	}
	if spec.AutoKey && len(spec.KeyFields) == 1 {
		if v, ok := rec[spec.KeyFields[0]]; !ok || v == nil {
			gen := s.tx.db.engine.keyGen.NextKey()
			rec[spec.KeyFields[0]] = gen
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.tx.mutable(s.name)
	if err != nil {
		return nil, err
	}
	key, err := s.recordKey(c, rec)
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
	if err := c.checkUnique(rec, enc); err != nil {
		return nil, err
	}
	i, found := c.search(key, enc)
	switch {
	case found && !upsert:
		return nil, fmt.Errorf("add to %q: %w", s.name, kv.ErrKeyExists)
	case found:
		c.entries[i] = entry{key: key, enc: enc, doc: doc}
	default:
		c.entries = append(c.entries, entry{})
		copy(c.entries[i+1:], c.entries[i:])
		c.entries[i] = entry{key: key, enc: enc, doc: doc}
	}
	return key, nil
}

// checkUnique scans for another record carrying the same key under any
// unique index. Linear in collection size; this engine favors simplicity
// over write throughput.
func (c *collection) checkUnique(rec kv.Record, selfEnc string) error {
	for _, spec := range c.indexes {
		if !spec.Unique {
			continue
		}
		ik, ok := kv.IndexKey(rec, spec)
		if !ok {
			continue
		}
		for _, e := range c.entries {
			if e.enc == selfEnc {
				continue
			}
			other, err := decodeEntry(e)
			if err != nil {
				return err
			}
			otherKey, present := kv.IndexKey(other, spec)
			if present && kv.CompareKeys(ik, otherKey) == 0 {
				return fmt.Errorf("index %q: %w", spec.Name, kv.ErrUniqueConstraint)
			}
		}
	}
	return nil
}

func (s *store) Get(ctx context.Context, key kv.Key) (kv.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c, err := s.tx.working(s.name)
	if err != nil {
		return nil, false, err
	}
	norm, err := kv.NormalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	enc, err := kv.EncodeKey(norm)
	if err != nil {
		return nil, false, err
	}
	i, found := c.search(norm, enc)
	if !found {
		return nil, false, nil
	}
	rec, err := decodeEntry(c.entries[i])
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *store) Delete(ctx context.Context, key kv.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.tx.mutable(s.name)
	if err != nil {
		return err
	}
	norm, err := kv.NormalizeKey(key)
	if err != nil {
		return err
	}
	enc, err := kv.EncodeKey(norm)
	if err != nil {
		return err
	}
	i, found := c.search(norm, enc)
	if !found {
		return nil
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return nil
}

func (s *store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.tx.mutable(s.name)
	if err != nil {
		return err
	}
	c.entries = nil
	return nil
}

func (s *store) GetAll(ctx context.Context) ([]kv.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.tx.working(s.name)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, 0, len(c.entries))
	for _, e := range c.entries {
		rec, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *store) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := s.tx.working(s.name)
	if err != nil {
		return 0, err
	}
	return int64(len(c.entries)), nil
}

func (s *store) OpenCursor(ctx context.Context, dir kv.Direction) (kv.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.tx.working(s.name)
	if err != nil {
		return nil, err
	}
	items := make([]kv.Item, 0, len(c.entries))
	for _, e := range c.entries {
		rec, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		items = append(items, kv.Item{Key: e.key, PrimaryKey: e.key, Record: rec})
	}
	if dir == kv.Reverse {
		reverseItems(items)
	}
	return &cursor{items: items}, nil
}

func (s *store) Index(name string) (kv.Index, error) {
	c, err := s.tx.working(s.name)
	if err != nil {
		return nil, err
	}
	spec, ok := c.indexes[name]
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

func (ix *index) entries(r kv.KeyRange) ([]kv.Item, error) {
	c, err := ix.store.tx.working(ix.store.name)
	if err != nil {
		return nil, err
	}
	var items []kv.Item
	for _, e := range c.entries {
		rec, err := decodeEntry(e)
		if err != nil {
			return nil, err
		}
		ik, ok := kv.IndexKey(rec, ix.spec)
		if !ok || !r.Contains(ik) {
			continue
		}
		items = append(items, kv.Item{Key: ik, PrimaryKey: e.key, Record: rec})
	}
	// Index order: by index key, ties broken by primary key. Record
	// order (ascending primary key) makes the sort stable, so equal
	// index keys keep primary-key order.
	sort.SliceStable(items, func(i, j int) bool {
		return kv.CompareKeys(items[i].Key, items[j].Key) < 0
	})
	return items, nil
}

func (ix *index) OpenCursor(ctx context.Context, r kv.KeyRange, dir kv.Direction) (kv.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := ix.entries(r)
	if err != nil {
		return nil, err
	}
	if dir == kv.Reverse {
		reverseItems(items)
	}
	return &cursor{items: items}, nil
}

func (ix *index) GetAll(ctx context.Context, r kv.KeyRange) ([]kv.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := ix.entries(r)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Record, len(items))
	for i, it := range items {
		out[i] = it.Record
	}
	return out, nil
}

func decodeEntry(e entry) (kv.Record, error) {
	var rec kv.Record
	if err := json.Unmarshal(e.doc, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func reverseItems(items []kv.Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// cursor steps over a materialized traversal snapshot.
type cursor struct {
	items []kv.Item
	pos   int
}

func (c *cursor) Next(ctx context.Context) (kv.Item, bool, error) {
	if err := ctx.Err(); err != nil {
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
