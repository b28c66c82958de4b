package common

// Metrics is a point-in-time snapshot of one open database session.
// CacheHits and CacheMisses are cumulative for the session and never
// decrease; they reset only when the database is reopened.
type Metrics struct {
	// EntriesCount is the number of live keys.
	EntriesCount uint64

	// TotalSizeBytes is the sum of live key and value bytes.
	TotalSizeBytes uint64

	// CacheSizeBytes is the current byte size of the read cache.
	CacheSizeBytes uint64

	CacheHits   uint64
	CacheMisses uint64
}
