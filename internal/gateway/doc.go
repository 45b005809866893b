// Package gateway wires the kernel together and runs it: the SQLite store,
// session and pairing managers, hook registry, routing engine, the framed RPC
// listener for agents, and the HTTP surface (health, pairing API, event feed).
package gateway
