// ABOUTME: Manager owning every session with per-conversation serialization
// ABOUTME: Drives lifecycle transitions, persistence, idle sweeping, and eviction

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhq/ember-gateway/internal/envelope"
	"github.com/emberhq/ember-gateway/internal/store"
)

const (
	// DefaultHistoryBound caps in-memory history before compaction kicks in.
	DefaultHistoryBound = 200

	// DefaultIdleAfter is the inactivity threshold for the Idle transition.
	DefaultIdleAfter = 30 * time.Minute

	// DefaultCloseGrace is how long closed sessions linger before eviction.
	DefaultCloseGrace = time.Hour

	sweepInterval = time.Minute
)

// Event describes a session state change, delivered to the Notify callback.
type Event struct {
	ConversationID string
	State          State
	At             time.Time
}

// Options configures a Manager.
type Options struct {
	Store        store.Store
	Logger       *slog.Logger
	HistoryBound int
	IdleAfter    time.Duration
	CloseGrace   time.Duration
	// Notify, if set, receives state-change events. It must not block.
	Notify func(Event)
}

// Manager owns all sessions. Operations on the same conversation id are
// serialized; distinct conversations never contend with each other. All
// state transitions go through the Manager, never through external mutation.
type Manager struct {
	store        store.Store
	logger       *slog.Logger
	historyBound int
	idleAfter    time.Duration
	closeGrace   time.Duration
	notify       func(Event)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a session manager backed by the given store.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	historyBound := opts.HistoryBound
	if historyBound <= 0 {
		historyBound = DefaultHistoryBound
	}
	idleAfter := opts.IdleAfter
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	closeGrace := opts.CloseGrace
	if closeGrace <= 0 {
		closeGrace = DefaultCloseGrace
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Event) {}
	}

	return &Manager{
		store:        opts.Store,
		logger:       logger.With("component", "session"),
		historyBound: historyBound,
		idleAfter:    idleAfter,
		closeGrace:   closeGrace,
		notify:       notify,
		sessions:     make(map[string]*session),
	}
}

// Load restores persisted sessions. AwaitingAgent sessions are forced back
// to Active with their pending request cleared; the interrupted records are
// returned so the caller can surface failures for the lost requests.
func (m *Manager) Load(ctx context.Context) ([]*store.SessionRecord, error) {
	interrupted, err := m.store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering sessions: %w", err)
	}

	records, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		history, err := m.store.GetHistory(ctx, rec.ConversationID, 0)
		if err != nil {
			return nil, fmt.Errorf("loading history for %s: %w", rec.ConversationID, err)
		}
		m.sessions[rec.ConversationID] = fromRecord(rec, history)
	}

	m.logger.Info("sessions loaded", "count", len(records), "interrupted", len(interrupted))
	return interrupted, nil
}

// Resolve returns the session for a conversation, creating it in New state
// on first sight.
func (m *Manager) Resolve(ctx context.Context, conversationID, channelID string) (Snapshot, bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if !ok {
		now := time.Now()
		s = &session{
			conversationID: conversationID,
			state:          StateNew,
			channelBinding: channelID,
			lastActivityAt: now,
			createdAt:      now,
			updatedAt:      now,
		}
		m.sessions[conversationID] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		if err := m.persist(ctx, s); err != nil {
			return Snapshot{}, false, err
		}
		m.notify(Event{ConversationID: conversationID, State: StateNew, At: s.createdAt})
	}
	return s.snapshot(), !ok, nil
}

// get returns the in-memory session or nil.
func (m *Manager) get(conversationID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Admit appends an inbound envelope to the session's history and refreshes
// activity. New and Idle sessions wake to Active. History beyond the bound
// is compacted into a summary envelope.
func (m *Manager) Admit(ctx context.Context, conversationID string, env envelope.Envelope) error {
	s := m.get(conversationID)
	if s == nil {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}

	s.history = append(s.history, env)
	compacted := false
	if len(s.history) > m.historyBound {
		s.history = Compact(s.history, m.historyBound)
		compacted = true
	}

	if compacted {
		if err := m.store.ReplaceHistory(ctx, conversationID, s.history); err != nil {
			return fmt.Errorf("persisting compacted history: %w", err)
		}
	} else {
		if err := m.store.AppendHistory(ctx, conversationID, env); err != nil {
			return fmt.Errorf("persisting history: %w", err)
		}
	}

	now := time.Now()
	s.lastActivityAt = now
	if s.state == StateNew || s.state == StateIdle {
		s.state = StateActive
		defer m.notify(Event{ConversationID: conversationID, State: StateActive, At: now})
	}
	return m.persist(ctx, s)
}

// TryBegin attempts to start an agent request. Returns true when the session
// moved to AwaitingAgent with the given request id; false when the envelope
// must be queued instead (request already in flight, or session paused).
func (m *Manager) TryBegin(ctx context.Context, conversationID, requestID string) (bool, error) {
	s := m.get(conversationID)
	if s == nil {
		return false, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return false, ErrClosed
	case StateAwaitingAgent, StatePaused:
		return false, nil
	}

	s.state = StateAwaitingAgent
	s.pendingRequestID = requestID
	if err := m.persist(ctx, s); err != nil {
		return false, err
	}
	m.notify(Event{ConversationID: conversationID, State: StateAwaitingAgent, At: time.Now()})
	return true, nil
}

// Complete finishes the pending agent request, returning the session to
// Active. If envelopes were queued while AwaitingAgent, the head of the
// queue is popped and returned for re-dispatch in arrival order.
func (m *Manager) Complete(ctx context.Context, conversationID, requestID string) (*envelope.Envelope, error) {
	s := m.get(conversationID)
	if s == nil {
		return nil, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.state != StateAwaitingAgent || s.pendingRequestID != requestID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	s.state = StateActive
	s.pendingRequestID = ""
	s.lastActivityAt = time.Now()

	var next *envelope.Envelope
	if len(s.queue) > 0 {
		head := s.queue[0]
		s.queue = append([]envelope.Envelope(nil), s.queue[1:]...)
		next = &head
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.notify(Event{ConversationID: conversationID, State: StateActive, At: s.lastActivityAt})
	return next, nil
}

// Enqueue buffers an envelope for later dispatch, preserving arrival order.
func (m *Manager) Enqueue(ctx context.Context, conversationID string, env envelope.Envelope) error {
	s := m.get(conversationID)
	if s == nil {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.queue = append(s.queue, env)
	return m.persist(ctx, s)
}

// Pause suspends a session by explicit command. Inbound envelopes are
// buffered while paused, never dropped.
func (m *Manager) Pause(ctx context.Context, conversationID string) error {
	s := m.get(conversationID)
	if s == nil {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateAwaitingAgent:
		return fmt.Errorf("cannot pause %s: agent request %s in flight", conversationID, s.pendingRequestID)
	case StatePaused:
		return nil
	}

	s.state = StatePaused
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	m.notify(Event{ConversationID: conversationID, State: StatePaused, At: time.Now()})
	return nil
}

// Resume returns a paused session to Active and hands back everything that
// was buffered, in arrival order, for the caller to dispatch.
func (m *Manager) Resume(ctx context.Context, conversationID string) ([]envelope.Envelope, error) {
	s := m.get(conversationID)
	if s == nil {
		return nil, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if s.state != StatePaused {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPaused, conversationID, s.state)
	}

	buffered := s.queue
	s.queue = nil
	s.state = StateActive
	s.lastActivityAt = time.Now()
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.notify(Event{ConversationID: conversationID, State: StateActive, At: s.lastActivityAt})
	return buffered, nil
}

// Close terminates a session. Terminal: the entry is evicted after the
// grace period by the sweeper.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	s := m.get(conversationID)
	if s == nil {
		return store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}

	s.state = StateClosed
	s.pendingRequestID = ""
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	m.notify(Event{ConversationID: conversationID, State: StateClosed, At: time.Now()})
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(conversationID string) (Snapshot, error) {
	s := m.get(conversationID)
	if s == nil {
		return Snapshot{}, store.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// List returns snapshots of every session.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		snapshots = append(snapshots, s.snapshot())
		s.mu.Unlock()
	}
	return snapshots
}

// History returns a copy of the session's in-memory history window.
func (m *Manager) History(conversationID string) ([]envelope.Envelope, error) {
	s := m.get(conversationID)
	if s == nil {
		return nil, store.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]envelope.Envelope(nil), s.history...), nil
}

// Run sweeps sessions until ctx is cancelled: Active sessions past the
// inactivity threshold go Idle, closed sessions past the grace period are
// evicted.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		}
	}
}

// Sweep applies timer-driven transitions as of now. Exposed for tests.
func (m *Manager) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	sessions := make(map[string]*session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
	}
	m.mu.Unlock()

	for id, s := range sessions {
		s.mu.Lock()
		switch {
		case s.state == StateActive && now.Sub(s.lastActivityAt) >= m.idleAfter:
			s.state = StateIdle
			s.history = Compact(s.history, m.historyBound)
			if err := m.store.ReplaceHistory(ctx, id, s.history); err != nil {
				m.logger.Error("compacting idle history", "conversation_id", id, "error", err)
			}
			if err := m.persist(ctx, s); err != nil {
				m.logger.Error("persisting idle session", "conversation_id", id, "error", err)
			}
			m.notify(Event{ConversationID: id, State: StateIdle, At: now})
			m.logger.Debug("session idle", "conversation_id", id)

		case s.state == StateClosed && now.Sub(s.updatedAt) >= m.closeGrace:
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			if err := m.store.DeleteSession(ctx, id); err != nil {
				m.logger.Error("evicting closed session", "conversation_id", id, "error", err)
			}
			m.logger.Debug("session evicted", "conversation_id", id)
		}
		s.mu.Unlock()
	}
}

// persist writes the session record. Caller holds the session lock.
func (m *Manager) persist(ctx context.Context, s *session) error {
	s.updatedAt = time.Now()
	if err := m.store.SaveSession(ctx, s.record()); err != nil {
		return fmt.Errorf("persisting session %s: %w", s.conversationID, err)
	}
	return nil
}
