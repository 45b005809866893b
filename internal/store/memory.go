// ABOUTME: In-memory Store implementation for tests and ephemeral gateways
// ABOUTME: Mirrors SQLiteStore semantics including interrupted-session recovery

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// MemoryStore implements Store with maps. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	history  map[string][]envelope.Envelope
	devices  map[string]*Device
	tickets  map[string]*PairingTicket
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		history:  make(map[string][]envelope.Envelope),
		devices:  make(map[string]*Device),
		tickets:  make(map[string]*PairingTicket),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Queue = append([]envelope.Envelope(nil), rec.Queue...)
	m.sessions[rec.ConversationID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, conversationID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Queue = append([]envelope.Envelope(nil), rec.Queue...)
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		cp := *rec
		cp.Queue = append([]envelope.Envelope(nil), rec.Queue...)
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ConversationID < records[j].ConversationID })
	return records, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[conversationID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, conversationID)
	return nil
}

func (m *MemoryStore) RecoverInterrupted(_ context.Context) ([]*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var interrupted []*SessionRecord
	for _, rec := range m.sessions {
		if rec.State != SessionAwaitingAgent {
			continue
		}
		cp := *rec
		cp.Queue = append([]envelope.Envelope(nil), rec.Queue...)
		interrupted = append(interrupted, &cp)

		rec.State = SessionActive
		rec.PendingRequestID = ""
		rec.UpdatedAt = time.Now()
	}
	sort.Slice(interrupted, func(i, j int) bool { return interrupted[i].ConversationID < interrupted[j].ConversationID })
	return interrupted, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, conversationID string, env envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[conversationID] = append(m.history[conversationID], env)
	return nil
}

func (m *MemoryStore) ReplaceHistory(_ context.Context, conversationID string, envs []envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[conversationID] = append([]envelope.Envelope(nil), envs...)
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, conversationID string, limit int) ([]envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	envs := m.history[conversationID]
	if limit > 0 && len(envs) > limit {
		envs = envs[:limit]
	}
	return append([]envelope.Envelope(nil), envs...), nil
}

func (m *MemoryStore) SaveDevice(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *device
	m.devices[device.DeviceID] = &cp
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *device
	return &cp, nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]*Device, 0, len(m.devices))
	for _, device := range m.devices {
		cp := *device
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].BoundAt.Before(devices[j].BoundAt) })
	return devices, nil
}

func (m *MemoryStore) SaveTicket(_ context.Context, ticket *PairingTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ticket
	m.tickets[ticket.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTicket(_ context.Context, id string) (*PairingTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ticket, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ticket
	return &cp, nil
}

func (m *MemoryStore) GetIssuedTicket(_ context.Context, deviceID string) (*PairingTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *PairingTicket
	for _, ticket := range m.tickets {
		if ticket.DeviceID != deviceID || ticket.State != TicketIssued {
			continue
		}
		if latest == nil || ticket.CreatedAt.After(latest.CreatedAt) {
			latest = ticket
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) Close() error { return nil }
