// Package statefile persists picoord's coordination documents.
//
// Every document is a plain JSON file guarded by an advisory flock(2) on a
// sibling ".lock" file. Mutations go through [Update], which takes the lock,
// re-reads the current on-disk document, applies the caller's change and
// atomically replaces the file (write temp, then rename). Readers that only
// need a snapshot use [Read], which relies on the rename being atomic and
// does not lock.
//
// The scheme is optimistic last-writer-wins across processes that do not
// share a filesystem lock implementation; correctness is restored by the
// periodic cleanup and heartbeat sweeps of the components built on top.
package statefile
