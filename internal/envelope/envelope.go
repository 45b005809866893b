// ABOUTME: Canonical immutable message envelope shared by all gateway stages
// ABOUTME: Defines the content union and copy-on-transform helpers

package envelope

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Direction indicates whether an envelope travels toward or away from the agent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ContentKind tags the content union.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindMedia    ContentKind = "media"
	KindSystem   ContentKind = "system"
	KindToolCall ContentKind = "tool_call"
)

// Envelope is the canonical representation of one message or control event.
// Envelopes are never mutated after creation; stages that need to change one
// use the With* helpers to produce a new value.
type Envelope struct {
	ID             string
	ChannelID      string
	ConversationID string
	Direction      Direction
	Sender         string
	Timestamp      time.Time
	Content        Content
	// CorrelationID links an outbound envelope to the inbound envelope that
	// caused it. Empty means unsolicited push.
	CorrelationID string
}

// Content is a tagged union. Exactly the field matching Kind is set.
type Content struct {
	Kind     ContentKind
	Text     string
	Media    *MediaRef
	System   *SystemEvent
	ToolCall *ToolCall
}

// MediaRef carries enough metadata to denormalize a media envelope without
// access to the original payload.
type MediaRef struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Caption  string `json:"caption,omitempty"`
}

// SystemEvent represents a non-message control event from a channel
// (member joined, conversation renamed, delivery failure, ...).
type SystemEvent struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall represents a tool invocation surfaced to a channel.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	InputJSON string `json:"input_json,omitempty"`
}

// WithContent returns a copy of the envelope with replaced content.
func (e Envelope) WithContent(c Content) Envelope {
	e.Content = c
	return e
}

// WithChannelID returns a copy bound to a different delivery channel.
// Used by hooks that redirect replies away from the inbound channel.
func (e Envelope) WithChannelID(channelID string) Envelope {
	e.ChannelID = channelID
	return e
}

// WithCorrelationID returns a copy correlated to the given inbound envelope id.
func (e Envelope) WithCorrelationID(id string) Envelope {
	e.CorrelationID = id
	return e
}

// Key returns the admission key for an envelope: channel id plus envelope id.
// Envelope ids are unique per channel, not globally.
func (e Envelope) Key() string {
	return e.ChannelID + "/" + e.ID
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a ULID for an envelope. IDs are lexicographically sortable
// by creation time, which keeps per-channel ids monotonic-ish under load.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
