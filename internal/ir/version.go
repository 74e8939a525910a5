package ir

// Version constants for the ledger schema and engine.
const (
	// LedgerVersion is the history ledger record version.
	LedgerVersion = "1"

	// EngineVersion is the patchkit engine version.
	EngineVersion = "0.1.0"
)
