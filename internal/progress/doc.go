// Package progress tracks how far a session has got: item counters, per-source
// outcome counts, batch completions and an ETA. Snapshots are handed to an
// optional callback through Invoke, which never lets a callback failure reach
// the scheduler.
package progress
