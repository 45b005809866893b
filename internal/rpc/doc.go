// Package rpc implements the framed bidirectional protocol between the
// gateway and the agent process.
//
// # Wire format
//
// Each frame is a 4-byte big-endian length prefix followed by one JSON
// Message. Messages form a tagged union: Request, Response, StreamEvent,
// Cancel. The id field correlates a Request with its Response and any
// StreamEvents; seq is strictly increasing per stream id starting at 0.
// The canonical schema lives in schema.json and is embedded as SchemaJSON.
//
// # Guarantees
//
//   - Call: at most one outstanding response per id.
//   - OpenStream: events are delivered to the consumer in seq order; a gap
//     or out-of-order seq terminates the stream with a PROTOCOL_VIOLATION
//     error response and no further events for that id.
//   - Cancel: best-effort; a final response racing the cancel is discarded.
//   - Every Request carries a protocol version; mismatches get an explicit
//     UNSUPPORTED_VERSION error response, never partial interpretation.
//   - Violations are counted per connection; the connection is torn down
//     only when they repeat beyond a threshold, or when framing desyncs.
package rpc
