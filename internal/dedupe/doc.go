// Package dedupe tracks admitted envelope keys in a time-based cache so
// redelivered messages from at-least-once channel adapters are dropped.
package dedupe
