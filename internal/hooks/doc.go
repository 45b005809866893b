// Package hooks implements the ordered middleware pipeline applied to
// envelopes at four extension points: preRoute, preAgent, postAgent, preSend.
//
// Plugins register once at startup with a priority and the stages they
// subscribe to. At each stage they run strictly in ascending priority order
// and may pass the envelope through, transform it (producing a new envelope
// value; the original is immutable), short-circuit with a direct reply, or
// reject it. A plugin that errors or panics rejects only the envelope it was
// processing; the pipeline keeps serving other envelopes.
package hooks
