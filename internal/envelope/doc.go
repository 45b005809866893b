// Package envelope defines the canonical message representation exchanged
// between channel adapters, the routing engine, and the agent, plus the
// normalizer that converts raw channel payloads to and from that form.
package envelope
