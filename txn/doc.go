// Package txn provides transaction-scoped staged commit over a kv
// engine.
//
// A Context wraps exactly one engine scope and is shared by reference
// across every operation composed into one logical unit of work: the
// Scheduler threads the active Context through context.Context, so a
// nested operation reuses the ambient scope instead of opening its own.
// Operations issued sequentially against one Context observe each
// other's writes because they share one underlying scope.
//
// Settlement is staged: after the body returns, keyed pre-commit
// callbacks run concurrently; then the first terminal signal wins —
// an explicit abort, an engine failure, or natural completion. A
// settled Context never re-enters an active state, and abort is
// idempotent.
package txn
