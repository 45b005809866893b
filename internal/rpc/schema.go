// ABOUTME: Embeds the canonical wire schema for the RPC protocol
// ABOUTME: Clients generate their message shapes from this file, never by hand

package rpc

import _ "embed"

// SchemaJSON is the canonical JSON Schema for every framed Message. It is
// the compatibility contract for all clients of the protocol; the contract
// test validates that this package's encoder stays within it.
//
//go:embed schema.json
var SchemaJSON []byte
