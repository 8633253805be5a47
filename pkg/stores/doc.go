// Package stores provides the persistence layer for Keel.
// SQLiteStore keeps resources, resource locks, execution graphs, versioned
// resource snapshots, the execution queue, and the audit log in one SQLite
// database running in WAL mode, with schema managed by embedded migrations.
// MemoryQueue is an in-process alternative for the execution queue.
package stores
