package match

const (
	// EngineVersion is the current version of the matching engine
	EngineVersion = "v2.0.0"

	// SnapshotSchemaVersion is the current version of the snapshot schema
	// Increment this when the snapshot format changes in a backward-incompatible way.
	// Version 2 adds the ledger segment and per-order reserves.
	SnapshotSchemaVersion = 2

	// maxSettleAttempts bounds how often a fill is recomputed when a concurrent
	// commit on another market spent the same balance first.
	maxSettleAttempts = 3
)
