// ABOUTME: Unified event type carried on the gateway's client-facing feed
// ABOUTME: Wraps session, pairing, and agent-delta notifications in one shape

package stream

import (
	"time"

	"github.com/emberhq/ember-gateway/internal/pairing"
	"github.com/emberhq/ember-gateway/internal/session"
)

// Event types on the feed.
const (
	TypeSessionState = "session_state"
	TypePairingState = "pairing_state"
	TypeAgentDelta   = "agent_delta"
)

// Event is one notification on the client feed. Type decides which of the
// optional fields are set.
type Event struct {
	Type string `json:"type"`

	ConversationID string `json:"conversation_id,omitempty"`
	SessionState   string `json:"session_state,omitempty"`

	DeviceID    string `json:"device_id,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
	TicketState string `json:"ticket_state,omitempty"`

	Delta string `json:"delta,omitempty"`

	At time.Time `json:"at"`
}

// SessionEvent wraps a session state change for the feed.
func SessionEvent(ev session.Event) Event {
	return Event{
		Type:           TypeSessionState,
		ConversationID: ev.ConversationID,
		SessionState:   string(ev.State),
		At:             ev.At,
	}
}

// PairingEvent wraps a pairing state change for the feed.
func PairingEvent(ev pairing.Event) Event {
	return Event{
		Type:        TypePairingState,
		DeviceID:    ev.DeviceID,
		TicketID:    ev.TicketID,
		TicketState: ev.State,
		At:          ev.At,
	}
}

// DeltaEvent wraps one chunk of streamed agent output for the feed.
func DeltaEvent(conversationID, delta string) Event {
	return Event{
		Type:           TypeAgentDelta,
		ConversationID: conversationID,
		Delta:          delta,
		At:             time.Now(),
	}
}
