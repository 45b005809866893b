// Package stream is the client-facing event feed: a fan-out broadcaster for
// session and pairing notifications, served to paired devices over websocket
// with a command channel for session control.
package stream
