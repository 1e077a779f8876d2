// Package sync keeps reference caches in step with changes made to the
// repository by other writers, such as a git push into the bare repository.
//
// # Change detection
//
// The ChangeDetector records the hash every branch and tag points at and,
// on each poll, reports the references that moved, appeared or disappeared
// since the previous poll. The first poll only records the baseline.
//
// # Coordinator
//
// The Coordinator polls on a ticker with jitter applied to the interval.
// Moved references are reloaded, which swaps in an empty cache and
// repopulates it in the background. Deleted references have their holder
// dropped. Appeared references need no action because holders are created
// lazily on first access.
//
// Commits made through the store also move references, so a poll after a
// local write reloads that reference once. The reload keeps the cached key
// set and only re-reads it.
package sync
