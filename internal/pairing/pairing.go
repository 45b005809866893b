// ABOUTME: Pairing and trust manager for native client devices
// ABOUTME: Challenge tickets, SSH signature proofs, and JWT bound credentials

package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/emberhq/ember-gateway/internal/store"
)

// Pairing errors. All are terminal for the ticket they concern; the device
// must start a fresh pairing.
var (
	ErrInvalidProof      = errors.New("invalid pairing proof")
	ErrExpired           = errors.New("pairing ticket expired")
	ErrRevoked           = errors.New("device revoked")
	ErrInvalidCredential = errors.New("invalid credential")
)

const (
	// DefaultTicketTTL is how long an issued challenge stays verifiable.
	DefaultTicketTTL = 5 * time.Minute

	// DefaultCredentialTTL is the lifetime of a bound credential.
	DefaultCredentialTTL = 90 * 24 * time.Hour

	challengeBytes = 32
)

// Proof is a device's answer to a pairing challenge: its public key and an
// SSH signature over the challenge string.
type Proof struct {
	Name      string `json:"name"`       // display name for the device
	PublicKey string `json:"public_key"` // authorized_keys format
	Signature string `json:"signature"`  // base64 of ssh.Marshal(ssh.Signature)
}

// Event describes a pairing state change, delivered to the Notify callback.
type Event struct {
	DeviceID string
	TicketID string
	State    string
	At       time.Time
}

// Options configures a Manager.
type Options struct {
	Store         store.Store
	Logger        *slog.Logger
	Secret        []byte // HS256 signing secret for bound credentials
	TicketTTL     time.Duration
	CredentialTTL time.Duration
	// Notify, if set, receives pairing state changes. It must not block.
	Notify func(Event)
}

// Manager owns the pairing ticket lifecycle and bound-credential issuance.
// A bound credential is the only artifact that grants a client access to the
// event stream and routing-affecting commands.
type Manager struct {
	store         store.Store
	logger        *slog.Logger
	secret        []byte
	ticketTTL     time.Duration
	credentialTTL time.Duration
	notify        func(Event)
}

// NewManager creates a pairing manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticketTTL := opts.TicketTTL
	if ticketTTL <= 0 {
		ticketTTL = DefaultTicketTTL
	}
	credentialTTL := opts.CredentialTTL
	if credentialTTL <= 0 {
		credentialTTL = DefaultCredentialTTL
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Event) {}
	}

	return &Manager{
		store:         opts.Store,
		logger:        logger.With("component", "pairing"),
		secret:        opts.Secret,
		ticketTTL:     ticketTTL,
		credentialTTL: credentialTTL,
		notify:        notify,
	}
}

// Start issues a fresh pairing ticket for a device slot. At most one ticket
// is Issued per slot: any prior unconsumed ticket is expired first.
func (m *Manager) Start(ctx context.Context, deviceID string) (*store.PairingTicket, error) {
	prior, err := m.store.GetIssuedTicket(ctx, deviceID)
	switch {
	case err == nil:
		prior.State = store.TicketExpired
		if err := m.store.SaveTicket(ctx, prior); err != nil {
			return nil, fmt.Errorf("superseding ticket %s: %w", prior.ID, err)
		}
		m.logger.Info("superseded pairing ticket", "device_id", deviceID, "ticket_id", prior.ID)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("checking issued ticket: %w", err)
	}

	challenge := make([]byte, challengeBytes)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}

	now := time.Now()
	ticket := &store.PairingTicket{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		State:     store.TicketIssued,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ticketTTL),
	}
	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("saving ticket: %w", err)
	}

	m.logger.Info("pairing started", "device_id", deviceID, "ticket_id", ticket.ID)
	m.notify(Event{DeviceID: deviceID, TicketID: ticket.ID, State: store.TicketIssued, At: now})
	return ticket, nil
}

// Verify checks the proof against the device's issued ticket. On success the
// ticket becomes Bound, the device is persisted as trusted, and a signed
// credential is returned. A ticket is consumed exactly once: verifying again
// fails with ErrInvalidProof.
func (m *Manager) Verify(ctx context.Context, deviceID string, proof Proof) (string, error) {
	ticket, err := m.store.GetIssuedTicket(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: no issued ticket for device %s", ErrInvalidProof, deviceID)
	}
	if err != nil {
		return "", fmt.Errorf("loading ticket: %w", err)
	}

	now := time.Now()
	if now.After(ticket.ExpiresAt) {
		ticket.State = store.TicketExpired
		if err := m.store.SaveTicket(ctx, ticket); err != nil {
			m.logger.Error("marking ticket expired", "ticket_id", ticket.ID, "error", err)
		}
		m.notify(Event{DeviceID: deviceID, TicketID: ticket.ID, State: store.TicketExpired, At: now})
		return "", fmt.Errorf("%w: ticket %s", ErrExpired, ticket.ID)
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(proof.PublicKey))
	if err != nil {
		return "", fmt.Errorf("%w: bad public key: %v", ErrInvalidProof, err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: bad signature encoding: %v", ErrInvalidProof, err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("%w: bad signature format: %v", ErrInvalidProof, err)
	}

	if err := pubkey.Verify([]byte(ticket.Challenge), sig); err != nil {
		return "", fmt.Errorf("%w: signature verification failed", ErrInvalidProof)
	}

	ticket.State = store.TicketVerified
	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return "", fmt.Errorf("saving verified ticket: %w", err)
	}
	m.notify(Event{DeviceID: deviceID, TicketID: ticket.ID, State: store.TicketVerified, At: now})

	device := &store.Device{
		DeviceID:    deviceID,
		Name:        proof.Name,
		PublicKey:   proof.PublicKey,
		Fingerprint: Fingerprint(pubkey),
		BoundAt:     now,
	}
	if err := m.store.SaveDevice(ctx, device); err != nil {
		return "", fmt.Errorf("saving device: %w", err)
	}

	ticket.State = store.TicketBound
	if err := m.store.SaveTicket(ctx, ticket); err != nil {
		return "", fmt.Errorf("saving bound ticket: %w", err)
	}

	credential, err := m.issueCredential(deviceID, now)
	if err != nil {
		return "", err
	}

	m.logger.Info("device bound", "device_id", deviceID, "fingerprint", device.Fingerprint)
	m.notify(Event{DeviceID: deviceID, TicketID: ticket.ID, State: store.TicketBound, At: now})
	return credential, nil
}

// Revoke withdraws trust from a device. Its credentials stop authenticating
// and any issued ticket for the slot is invalidated.
func (m *Manager) Revoke(ctx context.Context, deviceID string) error {
	now := time.Now()

	if ticket, err := m.store.GetIssuedTicket(ctx, deviceID); err == nil {
		ticket.State = store.TicketRevoked
		if err := m.store.SaveTicket(ctx, ticket); err != nil {
			return fmt.Errorf("revoking ticket: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading ticket: %w", err)
	}

	device, err := m.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	device.RevokedAt = &now
	if err := m.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("saving device: %w", err)
	}

	m.logger.Info("device revoked", "device_id", deviceID)
	m.notify(Event{DeviceID: deviceID, State: store.TicketRevoked, At: now})
	return nil
}

// Authenticate validates a bound credential and returns the device id it was
// issued to. Revoked devices fail with ErrRevoked even if the token itself
// is still valid.
func (m *Manager) Authenticate(ctx context.Context, credential string) (string, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: credential expired", ErrInvalidCredential)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return "", ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidCredential
	}
	deviceID, ok := claims["sub"].(string)
	if !ok || deviceID == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidCredential)
	}

	device, err := m.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown device %s", ErrInvalidCredential, deviceID)
	}
	if err != nil {
		return "", fmt.Errorf("loading device: %w", err)
	}
	if device.Revoked() {
		return "", fmt.Errorf("%w: %s", ErrRevoked, deviceID)
	}
	return deviceID, nil
}

// Devices lists all paired devices, revoked included.
func (m *Manager) Devices(ctx context.Context) ([]*store.Device, error) {
	return m.store.ListDevices(ctx)
}

func (m *Manager) issueCredential(deviceID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": deviceID,
		"iat": now.Unix(),
		"exp": now.Add(m.credentialTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}
	return signed, nil
}

// Fingerprint computes the SHA256 fingerprint of a public key, lowercase hex.
func Fingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}
