package txn

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/kv"
)

type state int

const (
	stateActive state = iota
	stateCommitted
	stateAborted
	stateFailed
)

// Context is one atomic unit of work over an engine scope.
//
// A Context is created by the Scheduler and destroyed when its scope
// settles. It is safe for use from the goroutines a body spawns, but
// the usual shape is a single call chain sharing it by reference.
type Context struct {
	tx     kv.Tx
	logger *slog.Logger

	mu          sync.Mutex
	state       state
	abortReason error

	// willCommit holds keyed pre-commit callbacks, last writer wins
	// per key; willCommitKeys preserves first-registration order.
	willCommit     map[string]func(context.Context) error
	willCommitKeys []string
	didCommit      []func()

	// observer, when set, receives the name of every collection read
	// through this scope. Observation is per-Context, never global.
	observer func(collection string)

	// written tracks collections mutated through this scope, so a
	// post-commit hook can publish exactly what changed.
	written map[string]struct{}
}

func newContext(tx kv.Tx, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		tx:         tx,
		logger:     logger,
		willCommit: make(map[string]func(context.Context) error),
	}
}

// Mode reports the scope's access mode.
func (c *Context) Mode() kv.Mode { return c.tx.Mode() }

// Store returns the engine store for one of the scope's collections and
// reports the read to the observer, if any.
func (c *Context) Store(name string) (kv.Store, error) {
	c.MarkRead(name)
	return c.tx.Store(name)
}

// MarkRead reports a collection read to the scope's observer.
func (c *Context) MarkRead(collection string) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs(collection)
	}
}

// SetObserver installs the read observer for this scope. Used by live
// queries to record which collections a computation touched.
func (c *Context) SetObserver(obs func(collection string)) {
	c.mu.Lock()
	c.observer = obs
	c.mu.Unlock()
}

// MarkWritten records that a collection was mutated through this scope.
func (c *Context) MarkWritten(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.written == nil {
		c.written = make(map[string]struct{})
	}
	c.written[collection] = struct{}{}
}

// Written returns the collections mutated through this scope, sorted.
func (c *Context) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for name := range c.written {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnWillCommit registers a pre-commit callback under key; re-registering
// the same key replaces the callback. All registered callbacks run
// concurrently after the body returns and before the scope settles.
// Read-only scopes have no pre-commit staging; registrations against
// them are dropped.
func (c *Context) OnWillCommit(key string, cb func(context.Context) error) {
	if c.tx.Mode() != kv.ReadWrite {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.willCommit[key]; !exists {
		c.willCommitKeys = append(c.willCommitKeys, key)
	}
	c.willCommit[key] = cb
}

// OnDidCommit registers a callback fired strictly after a successful
// commit. Post-commit callbacks never fire for aborted or failed
// scopes.
func (c *Context) OnDidCommit(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.didCommit = append(c.didCommit, cb)
}

// Abort requests termination of the scope. Idempotent; a failure from
// the engine's own abort call is logged and swallowed.
func (c *Context) Abort() { c.abortWith(nil) }

func (c *Context) abortWith(reason error) {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.state = stateAborted
	c.abortReason = reason
	c.mu.Unlock()

	if err := c.tx.Abort(); err != nil && !errors.Is(err, kv.ErrTxDone) {
		c.logger.Error("engine abort failed", "error", err)
	}
}

// Aborted reports whether the scope has been aborted.
func (c *Context) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAborted
}

// run executes body within the scope, stages pre-commit callbacks, and
// settles. Any error (or panic) from body aborts the scope; the abort
// reason travels out wrapped in dberr.AbortedTransactionError.
func (c *Context) run(ctx context.Context, body func(ctx context.Context, tc *Context) error) error {
	err := c.invoke(ctx, body)
	if err != nil {
		c.abortWith(err)
		return &dberr.AbortedTransactionError{Reason: err}
	}

	if err := c.runWillCommit(ctx); err != nil {
		c.abortWith(err)
		return &dberr.AbortedTransactionError{Reason: err}
	}

	// Settle: the first terminal signal is authoritative. An abort
	// requested during the body or callbacks wins over completion.
	c.mu.Lock()
	if c.state == stateAborted {
		reason := c.abortReason
		c.mu.Unlock()
		return &dberr.AbortedTransactionError{Reason: reason}
	}
	c.state = stateCommitted
	didCommit := c.didCommit
	c.didCommit = nil
	c.mu.Unlock()

	if err := c.tx.Commit(); err != nil {
		c.mu.Lock()
		c.state = stateFailed
		c.mu.Unlock()
		return dberr.Storage("commit", err)
	}
	for _, cb := range didCommit {
		cb()
	}
	return nil
}

// invoke runs body, converting a panic into an abort before re-panicking.
func (c *Context) invoke(ctx context.Context, body func(ctx context.Context, tc *Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.abortWith(nil)
			panic(r)
		}
	}()
	return body(ctx, c)
}

// runWillCommit executes all staged pre-commit callbacks concurrently
// and waits for them. The ambient Context stays attached so callbacks
// sharing the scope observe its writes.
func (c *Context) runWillCommit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateActive || len(c.willCommit) == 0 {
		c.mu.Unlock()
		return nil
	}
	cbs := make([]func(context.Context) error, 0, len(c.willCommitKeys))
	for _, key := range c.willCommitKeys {
		cbs = append(cbs, c.willCommit[key])
	}
	c.willCommit = make(map[string]func(context.Context) error)
	c.willCommitKeys = nil
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, cb := range cbs {
		g.Go(func() error { return cb(gctx) })
	}
	return g.Wait()
}
