// Package store persists gateway state: session records with their queue
// snapshots, per-conversation envelope history, trusted devices, and pairing
// tickets. SQLiteStore is the production implementation; MemoryStore backs
// tests and ephemeral runs.
package store
