// ABOUTME: Store interface and record types for gateway persistence
// ABOUTME: Sessions, envelope history, paired devices, and pairing tickets

package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// SessionState values persisted for a session record.
const (
	SessionNew           = "new"
	SessionActive        = "active"
	SessionAwaitingAgent = "awaiting_agent"
	SessionIdle          = "idle"
	SessionPaused        = "paused"
	SessionClosed        = "closed"
)

// SessionRecord is the persisted form of one conversation's session. The
// queue snapshot carries envelopes buffered while the session was
// AwaitingAgent or Paused, in arrival order.
type SessionRecord struct {
	ConversationID   string
	State            string
	ChannelBinding   string
	PendingRequestID string
	Queue            []envelope.Envelope
	LastActivityAt   time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TicketState values for a pairing ticket.
const (
	TicketIssued   = "issued"
	TicketVerified = "verified"
	TicketBound    = "bound"
	TicketExpired  = "expired"
	TicketRevoked  = "revoked"
)

// PairingTicket is one pairing attempt for a device slot.
type PairingTicket struct {
	ID        string
	DeviceID  string
	Challenge string
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Device is a trusted client device with a bound credential.
type Device struct {
	DeviceID    string
	Name        string
	PublicKey   string // authorized_keys format
	Fingerprint string
	BoundAt     time.Time
	RevokedAt   *time.Time
}

// Revoked reports whether the device's trust has been withdrawn.
func (d *Device) Revoked() bool { return d.RevokedAt != nil }

// Store defines the persistence interface for the gateway kernel.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, conversationID string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
	DeleteSession(ctx context.Context, conversationID string) error

	// RecoverInterrupted forces every AwaitingAgent session back to Active
	// with its pending request cleared, and returns the affected records.
	// Called once on startup; a reloaded session must never silently keep a
	// request that no longer exists.
	RecoverInterrupted(ctx context.Context) ([]*SessionRecord, error)

	// Envelope history, ordered by position within a conversation
	AppendHistory(ctx context.Context, conversationID string, env envelope.Envelope) error
	ReplaceHistory(ctx context.Context, conversationID string, envs []envelope.Envelope) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]envelope.Envelope, error)

	// Paired devices
	SaveDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)

	// Pairing tickets
	SaveTicket(ctx context.Context, ticket *PairingTicket) error
	GetTicket(ctx context.Context, id string) (*PairingTicket, error)
	GetIssuedTicket(ctx context.Context, deviceID string) (*PairingTicket, error)

	// Close releases any resources held by the store
	Close() error
}
