// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/history/device/ticket persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id    TEXT PRIMARY KEY,
			state              TEXT NOT NULL,
			channel_binding    TEXT NOT NULL,
			pending_request_id TEXT NOT NULL DEFAULT '',
			queue_json         TEXT NOT NULL DEFAULT '[]',
			last_activity_at   TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			CHECK (state IN ('new', 'active', 'awaiting_agent', 'idle', 'paused', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

		CREATE TABLE IF NOT EXISTS history (
			conversation_id TEXT NOT NULL,
			position        INTEGER NOT NULL,
			envelope_id     TEXT NOT NULL,
			channel_id      TEXT NOT NULL,
			envelope_json   TEXT NOT NULL,

			PRIMARY KEY (conversation_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_history_envelope ON history(channel_id, envelope_id);

		CREATE TABLE IF NOT EXISTS devices (
			device_id   TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			public_key  TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			bound_at    TEXT NOT NULL,
			revoked_at  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint);

		CREATE TABLE IF NOT EXISTS pairing_tickets (
			ticket_id  TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL,
			challenge  TEXT NOT NULL,
			state      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,

			CHECK (state IN ('issued', 'verified', 'bound', 'expired', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_device ON pairing_tickets(device_id, state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	queueJSON, err := json.Marshal(rec.Queue)
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, state, channel_binding, pending_request_id, queue_json, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			state = excluded.state,
			channel_binding = excluded.channel_binding,
			pending_request_id = excluded.pending_request_id,
			queue_json = excluded.queue_json,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at
	`, rec.ConversationID, rec.State, rec.ChannelBinding, rec.PendingRequestID, string(queueJSON),
		rec.LastActivityAt.UTC().Format(time.RFC3339Nano),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by conversation id.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, state, channel_binding, pending_request_id, queue_json, last_activity_at, created_at, updated_at
		FROM sessions WHERE conversation_id = ?
	`, conversationID)
	return scanSession(row)
}

// ListSessions returns all session records.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, state, channel_binding, pending_request_id, queue_json, last_activity_at, created_at, updated_at
		FROM sessions ORDER BY conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverInterrupted forces AwaitingAgent sessions back to Active and clears
// their pending request ids.
func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, state, channel_binding, pending_request_id, queue_json, last_activity_at, created_at, updated_at
		FROM sessions WHERE state = ?
	`, SessionAwaitingAgent)
	if err != nil {
		return nil, fmt.Errorf("finding interrupted sessions: %w", err)
	}
	defer rows.Close()

	var interrupted []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		interrupted = append(interrupted, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range interrupted {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET state = ?, pending_request_id = '', updated_at = ? WHERE conversation_id = ?
		`, SessionActive, now, rec.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("recovering session %s: %w", rec.ConversationID, err)
		}
		s.logger.Warn("recovered interrupted session",
			"conversation_id", rec.ConversationID,
			"lost_request_id", rec.PendingRequestID)
	}
	return interrupted, nil
}

// AppendHistory adds an envelope at the next position of a conversation's history.
func (s *SQLiteStore) AppendHistory(ctx context.Context, conversationID string, env envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (conversation_id, position, envelope_id, channel_id, envelope_json)
		VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM history WHERE conversation_id = ?), ?, ?, ?)
	`, conversationID, conversationID, env.ID, env.ChannelID, string(body))
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ReplaceHistory swaps a conversation's entire history, used after compaction.
// Positions restart at 0 in the order given.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, conversationID string, envs []envelope.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	for i, env := range envs {
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encoding envelope: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO history (conversation_id, position, envelope_id, channel_id, envelope_json)
			VALUES (?, ?, ?, ?, ?)
		`, conversationID, i, env.ID, env.ChannelID, string(body))
		if err != nil {
			return fmt.Errorf("writing history: %w", err)
		}
	}
	return tx.Commit()
}

// GetHistory returns a conversation's history in position order.
// A limit of 0 means no limit.
func (s *SQLiteStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]envelope.Envelope, error) {
	query := `SELECT envelope_json FROM history WHERE conversation_id = ? ORDER BY position`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var envs []envelope.Envelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// SaveDevice inserts or replaces a device record.
func (s *SQLiteStore) SaveDevice(ctx context.Context, device *Device) error {
	var revokedAt sql.NullString
	if device.RevokedAt != nil {
		revokedAt = sql.NullString{String: device.RevokedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, name, public_key, fingerprint, bound_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			bound_at = excluded.bound_at,
			revoked_at = excluded.revoked_at
	`, device.DeviceID, device.Name, device.PublicKey, device.Fingerprint,
		device.BoundAt.UTC().Format(time.RFC3339Nano), revokedAt)
	if err != nil {
		return fmt.Errorf("saving device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by id.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, name, public_key, fingerprint, bound_at, revoked_at
		FROM devices WHERE device_id = ?
	`, deviceID)
	return scanDevice(row)
}

// ListDevices returns all device records.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, name, public_key, fingerprint, bound_at, revoked_at
		FROM devices ORDER BY bound_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SaveTicket inserts or replaces a pairing ticket.
func (s *SQLiteStore) SaveTicket(ctx context.Context, ticket *PairingTicket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tickets (ticket_id, device_id, challenge, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			state = excluded.state
	`, ticket.ID, ticket.DeviceID, ticket.Challenge, ticket.State,
		ticket.CreatedAt.UTC().Format(time.RFC3339Nano),
		ticket.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a pairing ticket by id.
func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*PairingTicket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_id, device_id, challenge, state, created_at, expires_at
		FROM pairing_tickets WHERE ticket_id = ?
	`, id)
	return scanTicket(row)
}

// GetIssuedTicket returns the issued ticket for a device slot, if any.
func (s *SQLiteStore) GetIssuedTicket(ctx context.Context, deviceID string) (*PairingTicket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_id, device_id, challenge, state, created_at, expires_at
		FROM pairing_tickets WHERE device_id = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1
	`, deviceID, TicketIssued)
	return scanTicket(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var queueJSON, lastActivity, createdAt, updatedAt string

	err := row.Scan(&rec.ConversationID, &rec.State, &rec.ChannelBinding, &rec.PendingRequestID,
		&queueJSON, &lastActivity, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if err := json.Unmarshal([]byte(queueJSON), &rec.Queue); err != nil {
		return nil, fmt.Errorf("decoding queue: %w", err)
	}
	if rec.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var device Device
	var boundAt string
	var revokedAt sql.NullString

	err := row.Scan(&device.DeviceID, &device.Name, &device.PublicKey, &device.Fingerprint, &boundAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if device.BoundAt, err = time.Parse(time.RFC3339Nano, boundAt); err != nil {
		return nil, fmt.Errorf("parsing bound_at: %w", err)
	}
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		device.RevokedAt = &t
	}
	return &device, nil
}

func scanTicket(row rowScanner) (*PairingTicket, error) {
	var ticket PairingTicket
	var createdAt, expiresAt string

	err := row.Scan(&ticket.ID, &ticket.DeviceID, &ticket.Challenge, &ticket.State, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}

	if ticket.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if ticket.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &ticket, nil
}
