// Package agentconn tracks connected agent processes and routes chat calls
// to them over the framed RPC protocol.
package agentconn
