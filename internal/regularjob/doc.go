// Package regularjob runs callbacks on a fixed interval.
//
// Each job added to a Scheduler gets its own loop goroutine that alternates
// between waiting one interval and running the callback. The Scheduler owns
// the job registry and a lock table that keeps two invocations of the same
// job from overlapping; a run that finds the job already executing emits
// EventLocked and returns false instead of waiting.
//
// Lifecycle events (add, run before/after, error, locked, stop, remove) are
// emitted on an eventbus.Bus. Stop is cooperative: a callback that is already
// running always finishes; only future runs are withheld.
package regularjob
