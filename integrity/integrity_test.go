package integrity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/integrity"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/kv/memdb"
	"github.com/roach88/strata/txn"
)

// fixture wires a three-level hierarchy: orgs own teams, teams own
// members, and badges reference members with a set-null policy.
type fixture struct {
	db       kv.DB
	sched    *txn.Scheduler
	enforcer *integrity.Enforcer
}

func newFixture(t *testing.T, teamPolicy, memberPolicy integrity.OnDelete) *fixture {
	t.Helper()
	ctx := context.Background()
	eng := memdb.New(nil)
	db, err := eng.Open(ctx, "inttest", 1, func(ctx context.Context, db kv.DB, oldVersion int64) error {
		for _, name := range []string{"orgs", "teams", "members", "badges"} {
			if err := db.CreateCollection(ctx, kv.CollectionSpec{Name: name, KeyFields: []string{"id"}}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	enforcer := integrity.New(nil)
	enforcer.Declare("orgs", []string{"id"}, nil)
	enforcer.Declare("teams", []string{"id"}, []integrity.Rule{
		{Field: "org_id", TargetCollection: "orgs", OnDelete: teamPolicy},
	})
	enforcer.Declare("members", []string{"id"}, []integrity.Rule{
		{Field: "team_id", TargetCollection: "teams", OnDelete: memberPolicy},
	})
	enforcer.Declare("badges", []string{"id"}, []integrity.Rule{
		{Field: "member_id", TargetCollection: "members", OnDelete: integrity.SetNull},
	})
	return &fixture{db: db, sched: txn.NewScheduler(db, nil), enforcer: enforcer}
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

func (f *fixture) get(t *testing.T, collection string, key kv.Key) (kv.Record, bool) {
	t.Helper()
	var (
		rec   kv.Record
		found bool
	)
	err := f.sched.Read(context.Background(), []string{collection}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store(collection)
		if err != nil {
			return err
		}
		rec, found, err = store.Get(ctx, key)
		return err
	})
	require.NoError(t, err)
	return rec, found
}

// deleteKey drives enforcer.Delete over the full reachable scope, the
// way the overlay's delete path does.
func (f *fixture) deleteKey(t *testing.T, collection string, key kv.Key) error {
	scope := f.enforcer.CollectionsReachableFrom(collection)
	return f.sched.Write(context.Background(), scope, func(ctx context.Context, tc *txn.Context) error {
		return f.enforcer.Delete(ctx, tc, collection, key)
	})
}

func TestCheckReferencesAcceptsExistingParent(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.Cascade)
	f.seed(t, "orgs", kv.Record{"id": "acme"})

	err := f.sched.Write(context.Background(), []string{"teams", "orgs"}, func(ctx context.Context, tc *txn.Context) error {
		return f.enforcer.CheckReferences(ctx, tc, "teams", kv.Record{"id": "t1", "org_id": "acme"})
	})
	assert.NoError(t, err)
}

func TestCheckReferencesRejectsDanglingReference(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.Cascade)

	err := f.sched.Write(context.Background(), []string{"teams", "orgs"}, func(ctx context.Context, tc *txn.Context) error {
		store, err := tc.Store("teams")
		if err != nil {
			return err
		}
		rec := kv.Record{"id": "t1", "org_id": "ghost"}
		if err := f.enforcer.CheckReferences(ctx, tc, "teams", rec); err != nil {
			return err
		}
		_, err = store.Add(ctx, rec)
		return err
	})
	require.Error(t, err)
	assert.True(t, dberr.IsValidation(err))
	assert.True(t, dberr.IsAborted(err), "the failed scope must abort")

	var ve *dberr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "teams", ve.Collection)
	assert.Equal(t, "org_id", ve.Field)
	assert.Equal(t, "ghost", ve.Value)
	assert.Equal(t, "orgs", ve.Target)

	_, found := f.get(t, "teams", "t1")
	assert.False(t, found, "a validation failure leaves no residue")
}

func TestCheckReferencesIgnoresNilFields(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.Cascade)

	err := f.sched.Write(context.Background(), []string{"teams", "orgs"}, func(ctx context.Context, tc *txn.Context) error {
		return f.enforcer.CheckReferences(ctx, tc, "teams", kv.Record{"id": "t1", "org_id": nil})
	})
	assert.NoError(t, err, "a nil foreign key is simply unset")
}

func TestCascadeDeletesTransitively(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.Cascade)
	f.seed(t, "orgs", kv.Record{"id": "acme"})
	f.seed(t, "teams",
		kv.Record{"id": "t1", "org_id": "acme"},
		kv.Record{"id": "t2", "org_id": "acme"},
	)
	f.seed(t, "members",
		kv.Record{"id": "m1", "team_id": "t1"},
		kv.Record{"id": "m2", "team_id": "t2"},
	)
	f.seed(t, "badges", kv.Record{"id": "b1", "member_id": "m1"})

	require.NoError(t, f.deleteKey(t, "orgs", "acme"))

	for _, probe := range []struct{ collection, key string }{
		{"orgs", "acme"}, {"teams", "t1"}, {"teams", "t2"}, {"members", "m1"}, {"members", "m2"},
	} {
		_, found := f.get(t, probe.collection, probe.key)
		assert.False(t, found, "%s/%s must be cascade-deleted", probe.collection, probe.key)
	}

	// The badge survives with its reference nulled: cascaded member
	// deletions re-trigger enforcement for their own dependents.
	badge, found := f.get(t, "badges", "b1")
	require.True(t, found)
	assert.Nil(t, badge["member_id"])
}

func TestRestrictBlocksWhileDependentsExist(t *testing.T) {
	f := newFixture(t, integrity.Restrict, integrity.Cascade)
	f.seed(t, "orgs", kv.Record{"id": "acme"})
	f.seed(t, "teams", kv.Record{"id": "t1", "org_id": "acme"})

	err := f.deleteKey(t, "orgs", "acme")
	require.Error(t, err)
	assert.True(t, dberr.IsRestricted(err))

	var re *dberr.ReferentialIntegrityError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "orgs", re.Collection)
	assert.Equal(t, "teams", re.Dependent)

	_, found := f.get(t, "orgs", "acme")
	assert.True(t, found, "a restricted delete must leave the parent in place")

	// Once the dependent is gone the delete goes through.
	require.NoError(t, f.deleteKey(t, "teams", "t1"))
	require.NoError(t, f.deleteKey(t, "orgs", "acme"))
}

func TestSetNullDetachesDependents(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.SetNull)
	f.seed(t, "orgs", kv.Record{"id": "acme"})
	f.seed(t, "teams", kv.Record{"id": "t1", "org_id": "acme"})
	f.seed(t, "members", kv.Record{"id": "m1", "team_id": "t1", "name": "ann"})

	require.NoError(t, f.deleteKey(t, "teams", "t1"))

	member, found := f.get(t, "members", "m1")
	require.True(t, found, "set-null keeps the dependent record")
	assert.Nil(t, member["team_id"])
	assert.Equal(t, "ann", member["name"], "other fields stay intact")
}

func TestNoActionLeavesDependentsAlone(t *testing.T) {
	f := newFixture(t, integrity.NoAction, integrity.Cascade)
	f.seed(t, "orgs", kv.Record{"id": "acme"})
	f.seed(t, "teams", kv.Record{"id": "t1", "org_id": "acme"})

	require.NoError(t, f.deleteKey(t, "orgs", "acme"))

	team, found := f.get(t, "teams", "t1")
	require.True(t, found)
	assert.Equal(t, "acme", team["org_id"], "no-action leaves the dangling reference")
}

func TestCollectionsReachableFrom(t *testing.T) {
	f := newFixture(t, integrity.Cascade, integrity.Cascade)

	assert.ElementsMatch(t, []string{"orgs", "teams", "members", "badges"},
		f.enforcer.CollectionsReachableFrom("orgs"))
	assert.ElementsMatch(t, []string{"members", "badges"},
		f.enforcer.CollectionsReachableFrom("members"))
	assert.ElementsMatch(t, []string{"badges"},
		f.enforcer.CollectionsReachableFrom("badges"))
}

func TestRestrictFailureAbortsWholeScope(t *testing.T) {
	f := newFixture(t, integrity.Restrict, integrity.Cascade)
	f.seed(t, "orgs", kv.Record{"id": "acme"}, kv.Record{"id": "zed"})
	f.seed(t, "teams", kv.Record{"id": "t1", "org_id": "acme"})

	scope := f.enforcer.CollectionsReachableFrom("orgs")
	err := f.sched.Write(context.Background(), scope, func(ctx context.Context, tc *txn.Context) error {
		// An unrestricted delete first, then one that hits restrict.
		if err := f.enforcer.Delete(ctx, tc, "orgs", "zed"); err != nil {
			return err
		}
		return f.enforcer.Delete(ctx, tc, "orgs", "acme")
	})
	require.Error(t, err)
	assert.True(t, dberr.IsRestricted(err))

	_, found := f.get(t, "orgs", "zed")
	assert.True(t, found, "the earlier delete must roll back with the scope")
}
