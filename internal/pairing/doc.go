// Package pairing implements the device trust handshake: challenge tickets,
// SSH signature proofs, and the bound credentials that gate the client event
// stream.
package pairing
