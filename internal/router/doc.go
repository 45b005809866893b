// Package router is the gateway's routing engine. It drives canonical
// envelopes through deduplication, the hook pipeline, session state, and the
// agent call, and delivers replies and failure envelopes back to channel
// adapters.
package router
