// Package adapter defines the boundary between the gateway kernel and
// per-platform channel adapters.
package adapter
