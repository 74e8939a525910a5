// Package engine wires the patchkit pipeline together.
//
// A single apply runs the stages in a fixed order:
//
//  1. Parse the patch (format detected by signature).
//  2. Validate it against the target. A failing result stops here; nothing
//     has been written.
//  3. Snapshot the target's pre-patch bytes into the backup store.
//  4. Begin a pending ledger entry referencing the backup.
//  5. Apply the patch through an atomic temp-file swap.
//  6. Commit the entry, or Abort it if any later stage failed.
//
// RunBatch drives many items through the same pipeline (plus the analyze and
// extract operations) sequentially on the caller's goroutine. Items that
// touch the same path therefore never interleave; the second observes the
// first's result. Cancellation is checked between items only: each item runs
// on a context that ignores the batch's cancellation, so an item that started
// always runs to completion or failure.
//
// Recover resolves pending entries left by a crash between Begin and
// Commit/Abort: the target is restored from its backup if it was touched and
// the entry is aborted.
//
// The engine spawns no goroutines and holds no locks; callers that share an
// Engine across goroutines must serialize calls that touch the same paths.
package engine
