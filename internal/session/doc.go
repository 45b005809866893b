// Package session tracks per-conversation state: lifecycle transitions,
// bounded history with deterministic compaction, and the FIFO queue of
// envelopes buffered while a session is awaiting the agent or paused.
package session
