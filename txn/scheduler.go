package txn

import (
	"context"
	"log/slog"

	"github.com/roach88/strata/dberr"
	"github.com/roach88/strata/kv"
)

// ctxKey carries the ambient Context through context.Context.
type ctxKey struct{}

// With returns a context carrying tc as the ambient transaction scope.
func With(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From returns the ambient transaction scope, if any.
func From(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}

// Scheduler obtains or reuses a Context for an operation. Mutations get
// read-write scopes, queries read-only ones; a nested call finds the
// ambient Context and runs inside it, so composed operations share one
// atomic scope.
type Scheduler struct {
	db     kv.DB
	logger *slog.Logger
}

// NewScheduler creates a scheduler over an open engine database. logger
// may be nil, defaulting to slog.Default().
func NewScheduler(db kv.DB, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: db, logger: logger}
}

// Write runs handler inside a read-write scope over the named
// collections. If ctx already carries an ambient Context, handler runs
// directly inside it — no new scope is opened and settlement stays with
// the outermost caller. Results travel out via the handler's closure.
func (s *Scheduler) Write(ctx context.Context, collections []string, handler func(ctx context.Context, tc *Context) error) error {
	if tc, ok := From(ctx); ok {
		return handler(ctx, tc)
	}
	tx, err := s.db.Begin(ctx, collections, kv.ReadWrite)
	if err != nil {
		return dberr.Storage("begin read-write", err)
	}
	tc := newContext(tx, s.logger)
	return tc.run(With(ctx, tc), handler)
}

// Read runs handler inside a read-only scope over the named
// collections, with the same ambient-reuse rule as Write. Read-only
// scopes have no pre-commit staging.
func (s *Scheduler) Read(ctx context.Context, collections []string, handler func(ctx context.Context, tc *Context) error) error {
	if tc, ok := From(ctx); ok {
		return handler(ctx, tc)
	}
	tx, err := s.db.Begin(ctx, collections, kv.ReadOnly)
	if err != nil {
		return dberr.Storage("begin read-only", err)
	}
	tc := newContext(tx, s.logger)
	return tc.run(With(ctx, tc), handler)
}
