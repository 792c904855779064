package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/txn"
)

// ComputeFunc is the cached read computation. It runs inside a
// read-only scope; every collection it reads through tc is recorded as
// a dependency of the query.
type ComputeFunc[T any] func(ctx context.Context, tc *txn.Context) (T, error)

// result carries one refresh outcome to a waiting Get call.
type result[T any] struct {
	value T
	err   error
}

// Query caches the result of a read computation and recomputes it when
// one of the collections observed during its last successful refresh is
// mutated.
//
// State machine: empty -> computing -> ready <-> computing, plus a
// terminal disposed state reachable from anywhere.
type Query[T any] struct {
	sched   *txn.Scheduler
	hub     *Hub
	db      kv.DB
	compute ComputeFunc[T]
	clock   *Clock
	logger  *slog.Logger

	mu       sync.Mutex
	disposed bool
	hasValue bool
	cached   T
	pending  bool
	waiters  []chan result[T]
	subs     map[int64]func(T)
	nextSub  int64
	deps     map[string]Subscription
}

// NewQuery creates a live query over db. Refreshes open read-only
// scopes through sched and dependency notifications flow through hub.
// logger may be nil.
func NewQuery[T any](db kv.DB, sched *txn.Scheduler, hub *Hub, compute ComputeFunc[T], logger *slog.Logger) *Query[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Query[T]{
		sched:   sched,
		hub:     hub,
		db:      db,
		compute: compute,
		clock:   NewClock(),
		logger:  logger,
		subs:    make(map[int64]func(T)),
		deps:    make(map[string]Subscription),
	}
}

// Get returns the cached value when one is present and no refresh is
// pending; otherwise it joins the pending (or newly triggered) refresh
// and resolves when it completes.
func (q *Query[T]) Get(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return zero, &dberr.DisposedResourceError{Resource: "live query"}
	}
	if q.hasValue && !q.pending {
		v := q.cached
		q.mu.Unlock()
		return v, nil
	}
	ch := make(chan result[T], 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	q.Refresh()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Subscribe registers a push listener. The cached value, if present, is
// delivered immediately; otherwise a refresh is triggered and the
// listener receives the first computed value. Returns an unsubscribe
// function.
func (q *Query[T]) Subscribe(cb func(T)) (func(), error) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil, &dberr.DisposedResourceError{Resource: "live query"}
	}
	q.nextSub++
	id := q.nextSub
	q.subs[id] = cb
	deliver := q.hasValue
	value := q.cached
	q.mu.Unlock()

	if deliver {
		cb(value)
	} else {
		q.Refresh()
	}
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}, nil
}

// Refresh triggers a recomputation. Concurrent triggers coalesce: while
// a refresh is pending, further calls are no-ops. The computation runs
// on a fresh goroutine, so synchronous back-to-back triggers batch into
// one refresh.
func (q *Query[T]) Refresh() {
	q.mu.Lock()
	if q.disposed || q.pending {
		q.mu.Unlock()
		return
	}
	q.pending = true
	q.mu.Unlock()
	go q.refresh()
}

func (q *Query[T]) refresh() {
	gen := q.clock.Next()
	observed := make(map[string]struct{})

	var value T
	err := q.sched.Read(context.Background(), q.db.Collections(), func(ctx context.Context, tc *txn.Context) error {
		// Observation is scoped to this refresh's transaction context,
		// so concurrent refreshes of other queries cannot cross-talk.
		tc.SetObserver(func(collection string) {
			observed[collection] = struct{}{}
		})
		v, err := q.compute(ctx, tc)
		if err != nil {
			return err
		}
		value = v
		return nil
	})

	q.mu.Lock()
	q.pending = false
	if q.disposed {
		q.mu.Unlock()
		return
	}
	waiters := q.waiters
	q.waiters = nil

	if err != nil {
		// Failure is isolated to this refresh: pending requesters are
		// rejected, the previously cached value stays valid, and
		// subscribers are not called.
		q.mu.Unlock()
		q.logger.Debug("live query refresh failed", "gen", gen, "error", err)
		for _, ch := range waiters {
			ch <- result[T]{err: err}
		}
		return
	}

	q.cached = value
	q.hasValue = true

	// Swap the dependency set before notifying anyone: collections no
	// longer observed stop triggering refreshes, newly observed ones
	// start. The whole set resubscribes as one hub identity so a
	// commit touching several dependencies triggers one refresh.
	if !sameDependencies(q.deps, observed) {
		for _, sub := range q.deps {
			sub.Cancel()
		}
		names := make([]string, 0, len(observed))
		for name := range observed {
			names = append(names, name)
		}
		q.deps = make(map[string]Subscription, len(observed))
		for _, sub := range q.hub.SubscribeSet(names, q.Refresh) {
			q.deps[sub.collection] = sub
		}
	}

	subs := make([]func(T), 0, len(q.subs))
	for _, cb := range q.subs {
		subs = append(subs, cb)
	}
	q.mu.Unlock()

	q.logger.Debug("live query refreshed", "gen", gen, "deps", len(observed))
	for _, cb := range subs {
		cb(value)
	}
	for _, ch := range waiters {
		ch <- result[T]{value: value}
	}
}

func sameDependencies(deps map[string]Subscription, observed map[string]struct{}) bool {
	if len(deps) != len(observed) {
		return false
	}
	for name := range observed {
		if _, ok := deps[name]; !ok {
			return false
		}
	}
	return true
}

// Generation returns the number of refreshes that have started.
func (q *Query[T]) Generation() int64 {
	return q.clock.Current()
}

// Dispose permanently shuts the query down: subscribers are cleared,
// collection subscriptions removed, pending requesters rejected, and
// every further Get or Subscribe fails with DisposedResourceError.
// Idempotent.
func (q *Query[T]) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	deps := q.deps
	q.deps = make(map[string]Subscription)
	q.subs = make(map[int64]func(T))
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, sub := range deps {
		sub.Cancel()
	}
	for _, ch := range waiters {
		ch <- result[T]{err: &dberr.DisposedResourceError{Resource: "live query"}}
	}
}
