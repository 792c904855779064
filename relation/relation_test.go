package relation_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/kv/memdb"
	"github.com/roach88/strata/relation"
	"github.com/roach88/strata/txn"
)

// registry is a fixed resolver lookup for tests.
type registry map[string]*relation.Resolver

func (r registry) Resolver(collection string) (*relation.Resolver, error) {
	res, ok := r[collection]
	if !ok {
		return nil, fmt.Errorf("no resolver for %q", collection)
	}
	return res, nil
}

// fixture is a blog-shaped database: authors write posts, posts carry
// comments, and authors may have several profile rows.
type fixture struct {
	db    kv.DB
	sched *txn.Scheduler
	reg   registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	eng := memdb.New(nil)
	db, err := eng.Open(ctx, "reltest", 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		for _, name := range []string{"authors", "posts", "comments", "profiles"} {
			if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: name, KeyFields: []string{"id"}}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, sched: txn.NewScheduler(db, nil), reg: registry{}}
	f.reg["authors"] = relation.New("authors", []relation.Definition{
		{
			Name: "posts", Cardinality: relation.OneToMany,
			SourceField: "id", TargetField: "author_id",
			SourceCollection: "authors", TargetCollection: "posts",
		},
		{
			Name: "topPost", Cardinality: relation.OneToOne,
			SourceField: "id", TargetField: "author_id",
			SourceCollection: "authors", TargetCollection: "posts",
		},
		{
			Name: "profile", Cardinality: relation.OneToOne,
			SourceField: "id", TargetField: "author_id",
			SourceCollection: "authors", TargetCollection: "profiles",
		},
	}, f.reg)
	f.reg["posts"] = relation.New("posts", []relation.Definition{
		{
			Name: "author", Cardinality: relation.OneToOne,
			SourceField: "author_id", TargetField: "id",
			SourceCollection: "posts", TargetCollection: "authors",
		},
		{
			Name: "comments", Cardinality: relation.OneToMany,
			SourceField: "id", TargetField: "post_id",
			SourceCollection: "posts", TargetCollection: "comments",
		},
	}, f.reg)
	f.reg["comments"] = relation.New("comments", nil, f.reg)
	f.reg["profiles"] = relation.New("profiles", nil, f.reg)
	return f
}

func (f *fixture) seed(t *testing.T, collection string, recs ...kv.Record) {
	t.Helper()
	err := f.sched.Write(context.Background(), []string{collection}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(collection)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, err := store.Add(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// resolve loads every record of collection in key order and resolves
// with against it inside one read-only scope.
func (f *fixture) resolve(t *testing.T, collection string, with relation.With) []kv.Record {
	t.Helper()
	scope := []string{"authors", "posts", "comments", "profiles"}
	var roots []kv.Record
	err := f.sched.Read(context.Background(), scope, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(collection)
		if err != nil {
			return err
		}
		roots, err = store.GetAll(ctx)
		if err != nil {
			return err
		}
		return f.reg[collection].Resolve(ctx, tc, with, roots)
	})
	require.NoError(t, err)
	return roots
}

func ids(recs []kv.Record) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec["id"].(string)
	}
	return out
}

func related(t *testing.T, rec kv.Record, name string) []kv.Record {
	t.Helper()
	recs, ok := rec[name].([]kv.Record)
	require.True(t, ok, "property %q must be a record slice", name)
	return recs
}

func TestOneToManyAppendsInScanOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"}, kv.Record{"id": "bob"})
	f.seed(t, "posts",
		kv.Record{"id": "p3", "author_id": "ann"},
		kv.Record{"id": "p1", "author_id": "ann"},
		kv.Record{"id": "p2", "author_id": "bob"},
	)

	authors := f.resolve(t, "authors", relation.With{"posts": nil})
	require.Len(t, authors, 2)

	assert.Equal(t, []string{"p1", "p3"}, ids(related(t, authors[0], "posts")),
		"matches append in target scan order, not insertion order")
	assert.Equal(t, []string{"p2"}, ids(related(t, authors[1], "posts")))
}

func TestOneToManyLimitBoundsPerRoot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"}, kv.Record{"id": "bob"})
	f.seed(t, "posts",
		kv.Record{"id": "p1", "author_id": "ann"},
		kv.Record{"id": "p2", "author_id": "bob"},
		kv.Record{"id": "p3", "author_id": "ann"},
		kv.Record{"id": "p4", "author_id": "bob"},
	)

	authors := f.resolve(t, "authors", relation.With{"posts": {Limit: 1}})
	assert.Equal(t, []string{"p1"}, ids(related(t, authors[0], "posts")),
		"each root keeps at most limit matches, the earliest in scan order")
	assert.Equal(t, []string{"p2"}, ids(related(t, authors[1], "posts")))
}

func TestOneToOneLastMatchWins(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})
	f.seed(t, "profiles",
		kv.Record{"id": "pr1", "author_id": "ann", "bio": "old"},
		kv.Record{"id": "pr2", "author_id": "ann", "bio": "new"},
	)

	authors := f.resolve(t, "authors", relation.With{"profile": nil})
	profile, ok := authors[0]["profile"].(kv.Record)
	require.True(t, ok)
	assert.Equal(t, "new", profile["bio"], "with several matches the last in scan order wins")
}

func TestRootsWithoutMatchesKeepInitialProperty(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"}, kv.Record{"id": "bob", "handle": nil})

	authors := f.resolve(t, "authors", relation.With{"posts": nil, "profile": nil})
	for _, author := range authors {
		assert.Equal(t, []kv.Record{}, author["posts"], "one-to-many initializes to an empty slice")
		assert.Nil(t, author["profile"], "one-to-one initializes to nil")
	}
}

func TestWhereFiltersBeforeAttachment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})
	f.seed(t, "posts",
		kv.Record{"id": "p1", "author_id": "ann", "draft": true},
		kv.Record{"id": "p2", "author_id": "ann", "draft": false},
	)

	authors := f.resolve(t, "authors", relation.With{"posts": {
		Where: func(rec kv.Record) (bool, error) { return rec["draft"] == false, nil },
	}})
	assert.Equal(t, []string{"p2"}, ids(related(t, authors[0], "posts")))
}

func TestSkipDisablesExpansion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})
	f.seed(t, "posts", kv.Record{"id": "p1", "author_id": "ann"})

	authors := f.resolve(t, "authors", relation.With{"posts": {Skip: true}})
	_, present := authors[0]["posts"]
	assert.False(t, present, "a skipped relation leaves the root untouched")
}

func TestNestedExpansionCoversDiscoveredRecordsOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})
	f.seed(t, "posts",
		kv.Record{"id": "p1", "author_id": "ann"},
		kv.Record{"id": "p2", "author_id": "ghost"},
	)
	f.seed(t, "comments",
		kv.Record{"id": "c1", "post_id": "p1"},
		kv.Record{"id": "c2", "post_id": "p2"},
	)

	authors := f.resolve(t, "authors", relation.With{"posts": {
		With: relation.With{"comments": nil},
	}})
	posts := related(t, authors[0], "posts")
	require.Equal(t, []string{"p1"}, ids(posts))
	assert.Equal(t, []string{"c1"}, ids(related(t, posts[0], "comments")))
}

// Two relations over the same target collection resolve independently:
// a limit satisfied in one expansion must not cut the other short.
func TestRelationsSharingTargetAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})
	f.seed(t, "posts",
		kv.Record{"id": "p1", "author_id": "ann"},
		kv.Record{"id": "p2", "author_id": "ann"},
		kv.Record{"id": "p3", "author_id": "ann"},
	)

	authors := f.resolve(t, "authors", relation.With{
		"posts":   {Limit: 1},
		"topPost": nil,
	})
	assert.Equal(t, []string{"p1"}, ids(related(t, authors[0], "posts")))
	top, ok := authors[0]["topPost"].(kv.Record)
	require.True(t, ok, "the unlimited relation must still resolve")
	assert.Equal(t, "p3", top["id"], "one-to-one sees the full scan despite the sibling's limit")
}

func TestUnknownRelationErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "authors", kv.Record{"id": "ann"})

	err := f.sched.Read(context.Background(), []string{"authors", "posts"}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store("authors")
		if err != nil {
			return err
		}
		roots, err := store.GetAll(ctx)
		if err != nil {
			return err
		}
		return f.reg["authors"].Resolve(ctx, tc, relation.With{"phantom": nil}, roots)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phantom")
}
