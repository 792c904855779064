// Package kvtest is the conformance suite for kv engine
// implementations. Every engine runs the same suite, so overlay
// behavior cannot depend on which engine backs it.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/kv"
)

// Factory creates a fresh engine for one test. The factory owns engine
// cleanup (t.Cleanup).
type Factory func(t *testing.T) kv.Engine

// Run exercises the full conformance suite against engines produced by
// newEngine.
func Run(t *testing.T, newEngine Factory) {
	t.Run("AddAndGet", func(t *testing.T) { testAddAndGet(t, newEngine) })
	t.Run("AddDuplicateKey", func(t *testing.T) { testAddDuplicateKey(t, newEngine) })
	t.Run("AutoKeyAssignsKey", func(t *testing.T) { testAutoKeyAssignsKey(t, newEngine) })
	t.Run("PutUpserts", func(t *testing.T) { testPutUpserts(t, newEngine) })
	t.Run("DeleteAbsentIsNoop", func(t *testing.T) { testDeleteAbsentIsNoop(t, newEngine) })
	t.Run("ClearAndCount", func(t *testing.T) { testClearAndCount(t, newEngine) })
	t.Run("GetAllOrdersByKey", func(t *testing.T) { testGetAllOrdersByKey(t, newEngine) })
	t.Run("CompositeKeys", func(t *testing.T) { testCompositeKeys(t, newEngine) })
	t.Run("CursorDirections", func(t *testing.T) { testCursorDirections(t, newEngine) })
	t.Run("IndexRangeScan", func(t *testing.T) { testIndexRangeScan(t, newEngine) })
	t.Run("IndexSkipsMissingField", func(t *testing.T) { testIndexSkipsMissingField(t, newEngine) })
	t.Run("UniqueIndexRejectsDuplicate", func(t *testing.T) { testUniqueIndexRejectsDuplicate(t, newEngine) })
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) { testReadOnlyRejectsWrites(t, newEngine) })
	t.Run("AbortDiscardsWrites", func(t *testing.T) { testAbortDiscardsWrites(t, newEngine) })
	t.Run("CommitPersistsWrites", func(t *testing.T) { testCommitPersistsWrites(t, newEngine) })
	t.Run("SettledTxRejectsReuse", func(t *testing.T) { testSettledTxRejectsReuse(t, newEngine) })
	t.Run("UnknownCollection", func(t *testing.T) { testUnknownCollection(t, newEngine) })
	t.Run("VersionGatedUpgrade", func(t *testing.T) { testVersionGatedUpgrade(t, newEngine) })
}

// open opens a database with the suite's fixture schema: explicit-key
// users, auto-key items, composite-key events, plus a unique email
// index and a non-unique age index on users.
func open(t *testing.T, newEngine Factory) kv.DB {
	t.Helper()
	eng := newEngine(t)
	db, err := eng.Open(context.Background(), "kvtest", 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: "users", KeyFields: []string{"id"}}); err != nil {
			return err
		}
		if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: "items", KeyFields: []string{"id"}, AutoKey: true}); err != nil {
			return err
		}
		if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: "events", KeyFields: []string{"tenant", "seq"}}); err != nil {
			return err
		}
		if err := db.CreateIndex(ctx, "users", kv.IndexSpec{Name: "by_email", Fields: []string{"email"}, Unique: true}); err != nil {
			return err
		}
		return db.CreateIndex(ctx, "users", kv.IndexSpec{Name: "by_age", Fields: []string{"age"}})
	})
	require.NoError(t, err, "opening fixture database must succeed")
	t.Cleanup(func() { db.Close() })
	return db
}

// write runs body inside a read-write scope over collections and
// commits it.
func write(t *testing.T, db kv.DB, collections []string, body func(ctx context.Context, tx kv.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx, collections, kv.ReadWrite)
	require.NoError(t, err)
	body(ctx, tx)
	require.NoError(t, tx.Commit())
}

// read runs body inside a read-only scope over collections and aborts
// it afterwards.
func read(t *testing.T, db kv.DB, collections []string, body func(ctx context.Context, tx kv.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx, collections, kv.ReadOnly)
	require.NoError(t, err)
	defer tx.Abort()
	body(ctx, tx)
}

func user(id string, age int64) kv.Record {
	return kv.Record{"id": id, "age": age, "email": id + "@example.com"}
}

func testAddAndGet(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		key, err := store.Add(ctx, user("alice", 30))
		require.NoError(t, err)
		assert.Equal(t, "alice", key, "explicit keys must round-trip unchanged")
	})

	read(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		rec, found, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		require.True(t, found, "committed record must be visible to a later scope")
		assert.Equal(t, "alice@example.com", rec["email"])

		_, found, err = store.Get(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, found, "absence is reported, not an error")
	})
}

func testAddDuplicateKey(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, err = store.Add(ctx, user("alice", 30))
		require.NoError(t, err)
		_, err = store.Add(ctx, user("alice", 31))
		assert.ErrorIs(t, err, kv.ErrKeyExists, "second add of the same key must fail")
	})
}

func testAutoKeyAssignsKey(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	var key kv.Key
	write(t, db, []string{"items"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("items")
		require.NoError(t, err)
		rec := kv.Record{"label": "widget"}
		key, err = store.Add(ctx, rec)
		require.NoError(t, err)
		require.NotNil(t, key, "auto-key collections must assign a key")
		assert.Equal(t, key, rec["id"], "assigned key is written back into the key field")
	})

	read(t, db, []string{"items"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("items")
		require.NoError(t, err)
		rec, found, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "widget", rec["label"])
	})
}

func testPutUpserts(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, err = store.Put(ctx, user("alice", 30))
		require.NoError(t, err, "put must insert a missing key")
		_, err = store.Put(ctx, kv.Record{"id": "alice", "age": int64(31), "email": "alice@example.com"})
		require.NoError(t, err, "put must replace an existing key")

		rec, found, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		require.True(t, found)
		assert.EqualValues(t, 31, rec["age"])
	})
}

func testDeleteAbsentIsNoop(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		assert.NoError(t, store.Delete(ctx, "ghost"), "deleting an absent key is not an error")
	})
}

func testClearAndCount(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		for _, id := range []string{"a", "b", "c"} {
			_, err := store.Add(ctx, user(id, 20))
			require.NoError(t, err)
		}
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		require.NoError(t, store.Clear(ctx))
		n, err = store.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n, "clear must remove every record")
	})
}

func testGetAllOrdersByKey(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	// Numeric keys sort before string keys regardless of insertion
	// order.
	write(t, db, []string{"items"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("items")
		require.NoError(t, err)
		for _, id := range []any{"zeta", int64(10), "alpha", int64(2)} {
			_, err := store.Add(ctx, kv.Record{"id": id})
			require.NoError(t, err)
		}
		recs, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 4)

		got := make([]any, len(recs))
		for i, rec := range recs {
			got[i] = rec["id"]
		}
		assert.EqualValues(t, []any{int64(2), int64(10), "alpha", "zeta"}, normalizeIDs(t, got))
	})
}

// normalizeIDs maps numeric id values back to int64 so ordering
// assertions hold across engines that return json-decoded numbers.
func normalizeIDs(t *testing.T, ids []any) []any {
	t.Helper()
	out := make([]any, len(ids))
	for i, id := range ids {
		norm, err := kv.NormalizeKey(id)
		require.NoError(t, err)
		if f, ok := norm.(float64); ok && f == float64(int64(f)) {
			norm = int64(f)
		}
		out[i] = norm
	}
	return out
}

func testCompositeKeys(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"events"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("events")
		require.NoError(t, err)
		for _, rec := range []kv.Record{
			{"tenant": "acme", "seq": int64(2), "kind": "update"},
			{"tenant": "acme", "seq": int64(1), "kind": "create"},
			{"tenant": "zed", "seq": int64(1), "kind": "create"},
		} {
			_, err := store.Add(ctx, rec)
			require.NoError(t, err)
		}

		rec, found, err := store.Get(ctx, []any{"acme", int64(2)})
		require.NoError(t, err)
		require.True(t, found, "composite key lookup must hit")
		assert.Equal(t, "update", rec["kind"])

		recs, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "create", recs[0]["kind"], "composite keys order elementwise")
		assert.Equal(t, "acme", recs[0]["tenant"])
		assert.Equal(t, "zed", recs[2]["tenant"])
	})
}

func testCursorDirections(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		for _, id := range []string{"b", "a", "c"} {
			_, err := store.Add(ctx, user(id, 20))
			require.NoError(t, err)
		}

		assert.Equal(t, []string{"a", "b", "c"}, collectIDs(t, ctx, store, kv.Forward))
		assert.Equal(t, []string{"c", "b", "a"}, collectIDs(t, ctx, store, kv.Reverse))
	})
}

func collectIDs(t *testing.T, ctx context.Context, store kv.Store, dir kv.Direction) []string {
	t.Helper()
	cur, err := store.OpenCursor(ctx, dir)
	require.NoError(t, err)
	defer cur.Close()

	var ids []string
	for {
		item, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, item.Record["id"].(string))
	}
}

func testIndexRangeScan(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		ages := map[string]int64{"alice": 30, "bob": 17, "carol": 65, "dave": 42}
		for id, age := range ages {
			_, err := store.Add(ctx, user(id, age))
			require.NoError(t, err)
		}

		ix, err := store.Index("by_age")
		require.NoError(t, err)

		recs, err := ix.GetAll(ctx, kv.Bound(int64(18), int64(65), false, true))
		require.NoError(t, err)
		require.Len(t, recs, 2, "range [18, 65) must cover alice and dave only")
		assert.Equal(t, "alice", recs[0]["id"], "index scan yields index-key order")
		assert.Equal(t, "dave", recs[1]["id"])

		recs, err = ix.GetAll(ctx, kv.Unbounded())
		require.NoError(t, err)
		assert.Len(t, recs, 4)
	})
}

func testIndexSkipsMissingField(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, err = store.Add(ctx, user("alice", 30))
		require.NoError(t, err)
		_, err = store.Add(ctx, kv.Record{"id": "bob", "email": "bob@example.com"})
		require.NoError(t, err)

		ix, err := store.Index("by_age")
		require.NoError(t, err)
		recs, err := ix.GetAll(ctx, kv.Unbounded())
		require.NoError(t, err)
		require.Len(t, recs, 1, "a record without the indexed field has no index entry")
		assert.Equal(t, "alice", recs[0]["id"])
	})
}

func testUniqueIndexRejectsDuplicate(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, err = store.Add(ctx, user("alice", 30))
		require.NoError(t, err)
		_, err = store.Add(ctx, kv.Record{"id": "alice2", "age": int64(31), "email": "alice@example.com"})
		assert.ErrorIs(t, err, kv.ErrUniqueConstraint, "duplicate unique index key must be rejected")
	})
}

func testReadOnlyRejectsWrites(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	read(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, err = store.Add(ctx, user("alice", 30))
		assert.ErrorIs(t, err, kv.ErrReadOnly)
		_, err = store.Put(ctx, user("alice", 30))
		assert.ErrorIs(t, err, kv.ErrReadOnly)
		assert.ErrorIs(t, store.Delete(ctx, "alice"), kv.ErrReadOnly)
		assert.ErrorIs(t, store.Clear(ctx), kv.ErrReadOnly)
	})
}

func testAbortDiscardsWrites(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)
	ctx := context.Background()

	tx, err := db.Begin(ctx, []string{"users"}, kv.ReadWrite)
	require.NoError(t, err)
	store, err := tx.Store("users")
	require.NoError(t, err)
	_, err = store.Add(ctx, user("alice", 30))
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	read(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		store, err := tx.Store("users")
		require.NoError(t, err)
		_, found, err := store.Get(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, found, "aborted writes must leave no trace")
	})
}

func testCommitPersistsWrites(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	write(t, db, []string{"users", "events"}, func(ctx context.Context, tx kv.Tx) {
		users, err := tx.Store("users")
		require.NoError(t, err)
		_, err = users.Add(ctx, user("alice", 30))
		require.NoError(t, err)
		events, err := tx.Store("events")
		require.NoError(t, err)
		_, err = events.Add(ctx, kv.Record{"tenant": "acme", "seq": int64(1), "kind": "create"})
		require.NoError(t, err)
	})

	read(t, db, []string{"users", "events"}, func(ctx context.Context, tx kv.Tx) {
		users, err := tx.Store("users")
		require.NoError(t, err)
		_, found, err := users.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, found)
		events, err := tx.Store("events")
		require.NoError(t, err)
		n, err := events.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "a multi-collection scope commits atomically")
	})
}

func testSettledTxRejectsReuse(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)
	ctx := context.Background()

	tx, err := db.Begin(ctx, []string{"users"}, kv.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), kv.ErrTxDone, "a scope settles exactly once")
	assert.ErrorIs(t, tx.Abort(), kv.ErrTxDone)

	tx, err = db.Begin(ctx, []string{"users"}, kv.ReadWrite)
	require.NoError(t, err)
	require.NoError(t, tx.Abort())
	assert.ErrorIs(t, tx.Commit(), kv.ErrTxDone)
}

func testUnknownCollection(t *testing.T, newEngine Factory) {
	db := open(t, newEngine)

	read(t, db, []string{"users"}, func(ctx context.Context, tx kv.Tx) {
		_, err := tx.Store("phantom")
		assert.ErrorIs(t, err, kv.ErrNoSuchCollection)
	})
}

func testVersionGatedUpgrade(t *testing.T, newEngine Factory) {
	eng := newEngine(t)
	ctx := context.Background()

	upgrades := 0
	db, err := eng.Open(ctx, "versioned", 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		upgrades++
		assert.EqualValues(t, 0, oldVersion)
		return db.CreateCollection(ctx, kv.CollectionSpec{Name: "things", KeyFields: []string{"id"}})
	})
	require.NoError(t, err)
	require.Equal(t, 1, upgrades)
	require.NoError(t, db.Close())

	// Reopening at the same version runs no upgrade.
	db, err = eng.Open(ctx, "versioned", 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		upgrades++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, upgrades, "an up-to-date database must not re-run upgrades")
	require.NoError(t, db.Close())

	// A version bump runs the upgrade from the stored version.
	db, err = eng.Open(ctx, "versioned", 2, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		upgrades++
		assert.EqualValues(t, 1, oldVersion)
		return db.CreateIndex(ctx, "things", kv.IndexSpec{Name: "by_label", Fields: []string{"label"}})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, upgrades)
	assert.EqualValues(t, 2, db.Version())
	require.NoError(t, db.Close())

	// Downgrades are refused.
	_, err = eng.Open(ctx, "versioned", 1, nil)
	assert.Error(t, err, "opening below the stored version must fail")
}
