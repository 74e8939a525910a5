package engine

import "github.com/google/uuid"

// BatchIDGenerator generates batch IDs for RunBatch.
// Implemented by UUIDv7Generator (production) and by
// testutil.FixedIDGenerator and testutil.SequenceGenerator (tests).
type BatchIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 batch IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so batch IDs sort by
// start time in ledger listings and logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Format: "0190a6e4-8f1c-7b3a-9d2e-4c5f6a7b8c9d" (36 characters)
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
