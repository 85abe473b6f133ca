// Package lifecycle holds the shared training lifecycle record: the active,
// waiting, and paused flags, progress, the status line, and detailed stats.
//
// The Store is the synchronization point between the boundary (API, CLI) and
// the session goroutine. Callers never write fields directly; they use the
// transitions on Store, each of which updates the flags atomically and wakes
// Watch subscribers.
package lifecycle
