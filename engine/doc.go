// Package engine is the embedded key-value database: a crash-consistent,
// cached store over a single exclusively-locked directory.
//
// Layout of an open database directory:
//
//	qmdb.data - fixed-size-page store holding record chains
//	qmdb.wal  - write-ahead log of mutations since the last checkpoint
//	LOCK      - owner token enforcing single-handle exclusivity
//
// Every mutation is appended to the WAL before it is installed in the
// index and page store; WAL order is the happens-before order across
// mutations. Flush makes all previously accepted mutations durable. Open
// rebuilds the index by scanning the page store and replaying the WAL,
// which is idempotent because replay is last-writer-wins by sequence
// number.
//
// A DB tolerates concurrent use from multiple goroutines: reads proceed in
// parallel with each other and with writes, and observe either the value
// before or after a concurrent Set, never a torn one.
package engine
