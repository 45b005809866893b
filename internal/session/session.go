// ABOUTME: Session state machine for one conversation
// ABOUTME: Tracks lifecycle state, bounded history, and the inbound queue

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/emberhq/ember-gateway/internal/envelope"
	"github.com/emberhq/ember-gateway/internal/store"
)

// State is a session lifecycle state. Values match their persisted form.
type State string

const (
	StateNew           State = store.SessionNew
	StateActive        State = store.SessionActive
	StateAwaitingAgent State = store.SessionAwaitingAgent
	StateIdle          State = store.SessionIdle
	StatePaused        State = store.SessionPaused
	StateClosed        State = store.SessionClosed
)

var (
	// ErrClosed is returned for any operation on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrNotPaused is returned when resuming a session that is not paused.
	ErrNotPaused = errors.New("session not paused")

	// ErrUnknownRequest is returned when completing a request id that is not
	// the session's pending request.
	ErrUnknownRequest = errors.New("unknown request id")
)

// session is the in-memory state for one conversation. All access goes
// through the Manager, which serializes per conversation id; the mutex backs
// that serialization.
type session struct {
	mu sync.Mutex

	conversationID   string
	state            State
	channelBinding   string
	pendingRequestID string
	queue            []envelope.Envelope
	history          []envelope.Envelope
	lastActivityAt   time.Time
	createdAt        time.Time
	updatedAt        time.Time
}

// Snapshot is a read-only view of a session handed to callers.
type Snapshot struct {
	ConversationID   string
	State            State
	ChannelBinding   string
	PendingRequestID string
	QueueLen         int
	HistoryLen       int
	LastActivityAt   time.Time
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ConversationID:   s.conversationID,
		State:            s.state,
		ChannelBinding:   s.channelBinding,
		PendingRequestID: s.pendingRequestID,
		QueueLen:         len(s.queue),
		HistoryLen:       len(s.history),
		LastActivityAt:   s.lastActivityAt,
	}
}

func (s *session) record() *store.SessionRecord {
	return &store.SessionRecord{
		ConversationID:   s.conversationID,
		State:            string(s.state),
		ChannelBinding:   s.channelBinding,
		PendingRequestID: s.pendingRequestID,
		Queue:            append([]envelope.Envelope(nil), s.queue...),
		LastActivityAt:   s.lastActivityAt,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
}

func fromRecord(rec *store.SessionRecord, history []envelope.Envelope) *session {
	return &session{
		conversationID:   rec.ConversationID,
		state:            State(rec.State),
		channelBinding:   rec.ChannelBinding,
		pendingRequestID: rec.PendingRequestID,
		queue:            append([]envelope.Envelope(nil), rec.Queue...),
		history:          history,
		lastActivityAt:   rec.LastActivityAt,
		createdAt:        rec.CreatedAt,
		updatedAt:        rec.UpdatedAt,
	}
}
