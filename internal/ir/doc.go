// Package ir provides the shared value types for patchkit.
//
// This package contains type definitions, content hashing, and the error
// taxonomy. All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - All content identity is SHA-256 with domain separation (see hash.go)
//   - Ledger target paths are absolute, cleaned, and NFC normalized
//   - All JSON tags use snake_case
//   - OperationID is the ledger's monotonic ordering key, never wall-clock time
package ir
