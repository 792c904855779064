package sqlitedb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/kvtest"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/kv/sqlitedb"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		eng, err := sqlitedb.Open(filepath.Join(t.TempDir(), "strata.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { eng.Close() })
		return eng
	})
}

func TestInMemoryConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		eng, err := sqlitedb.Open(":memory:", nil)
		require.NoError(t, err)
		t.Cleanup(func() { eng.Close() })
		return eng
	})
}

// Data, catalog, and schema version all survive a close and reopen of
// the backing file.
func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.db")
	ctx := context.Background()

	eng, err := sqlitedb.Open(path, nil)
	require.NoError(t, err)
	db, err := eng.Open(ctx, "app", 2, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: "notes", KeyFields: []string{"id"}}); err != nil {
			return err
		}
		return db.CreateIndex(ctx, "notes", kv.IndexSpec{Name: "by_tag", Fields: []string{"tag"}})
	})
	require.NoError(t, err)

	tx, err := db.Begin(ctx, []string{"notes"}, kv.ReadWrite)
	require.NoError(t, err)
	store, err := tx.Store("notes")
	require.NoError(t, err)
	_, err = store.Add(ctx, kv.Record{"id": "n1", "tag": "keep"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())
	require.NoError(t, eng.Close())

	eng, err = sqlitedb.Open(path, nil)
	require.NoError(t, err)
	defer eng.Close()

	upgraded := false
	db, err = eng.Open(ctx, "app", 2, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		upgraded = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, upgraded, "stored version must gate the upgrade across reopens")
	assert.EqualValues(t, 2, db.Version())
	assert.Equal(t, []string{"notes"}, db.Collections())

	tx, err = db.Begin(ctx, []string{"notes"}, kv.ReadOnly)
	require.NoError(t, err)
	defer tx.Abort()
	store, err = tx.Store("notes")
	require.NoError(t, err)
	rec, found, err := store.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, found, "committed rows must survive reopen")
	assert.Equal(t, "keep", rec["tag"])

	ix, err := store.Index("by_tag")
	require.NoError(t, err)
	recs, err := ix.GetAll(ctx, kv.Only("keep"))
	require.NoError(t, err)
	assert.Len(t, recs, 1, "index declarations must survive reopen")
}

// Two databases on one engine file never see each other's collections
// or rows.
func TestDatabasesAreDisjoint(t *testing.T) {
	eng, err := sqlitedb.Open(filepath.Join(t.TempDir(), "strata.db"), nil)
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	create := func(dbName string) kv.DB {
		db, err := eng.Open(ctx, dbName, 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
			return db.CreateCollection(ctx, kv.CollectionSpec{Name: "notes", KeyFields: []string{"id"}})
		})
		require.NoError(t, err)
		return db
	}
	first := create("first")
	second := create("second")

	tx, err := first.Begin(ctx, []string{"notes"}, kv.ReadWrite)
	require.NoError(t, err)
	store, err := tx.Store("notes")
	require.NoError(t, err)
	_, err = store.Add(ctx, kv.Record{"id": "n1"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = second.Begin(ctx, []string{"notes"}, kv.ReadOnly)
	require.NoError(t, err)
	defer tx.Abort()
	store, err = tx.Store("notes")
	require.NoError(t, err)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
