// ABOUTME: Manages connected agents, handles registration, and issues chat calls
// ABOUTME: Central coordinator between the routing engine and agent RPC connections

package agentconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/emberhq/ember-gateway/internal/rpc"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID is already connected.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoAgents indicates no agent is connected to serve a request.
var ErrNoAgents = errors.New("no agents connected")

// MethodChat is the RPC method carrying a conversation turn to the agent.
const MethodChat = "chat"

// Agent is one connected agent process.
type Agent struct {
	ID           string
	Name         string
	Capabilities []string
	Conn         *rpc.Conn
}

// registerParams is the payload of the agent's register request.
type registerParams struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ChatRequest is the params payload of a chat call.
type ChatRequest struct {
	ConversationID string          `json:"conversation_id"`
	Sender         string          `json:"sender"`
	Text           string          `json:"text"`
	History        json.RawMessage `json:"history,omitempty"`
}

// ChatResponse is the result payload of a chat call.
type ChatResponse struct {
	Text string `json:"text"`
}

// chatDelta is the payload of one streamed partial result.
type chatDelta struct {
	Delta string `json:"delta"`
}

// Manager coordinates all connected agents.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Agent),
		logger: logger.With("component", "agentconn"),
	}
}

// Serve wraps a duplex stream in an RPC connection and waits for the agent
// to register. It returns when the connection closes. The agent is
// unregistered on the way out.
func (m *Manager) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	h := &serveHandler{manager: m}
	conn := rpc.NewConn(rwc, rpc.Options{Logger: m.logger, Handler: h})

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-conn.Done():
	}

	if id := h.agentID(); id != "" {
		m.unregister(id)
	}
	if err := conn.Err(); err != nil && !errors.Is(err, rpc.ErrConnClosed) {
		return err
	}
	return nil
}

// serveHandler accepts the register handshake on one agent connection.
type serveHandler struct {
	manager *Manager

	mu sync.Mutex
	id string
}

func (h *serveHandler) agentID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *serveHandler) HandleRequest(_ context.Context, req *rpc.Message, conn *rpc.Conn) {
	if req.Method != "register" {
		_ = conn.Respond(req.ID, nil, &rpc.Error{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		})
		return
	}

	var params registerParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		_ = conn.Respond(req.ID, nil, &rpc.Error{
			Code:    rpc.CodeInternal,
			Message: "register requires agent_id",
		})
		return
	}

	agent := &Agent{
		ID:           params.AgentID,
		Name:         params.Name,
		Capabilities: params.Capabilities,
		Conn:         conn,
	}
	if err := h.manager.register(agent); err != nil {
		_ = conn.Respond(req.ID, nil, &rpc.Error{
			Code:    rpc.CodeInternal,
			Message: err.Error(),
		})
		return
	}

	h.mu.Lock()
	h.id = params.AgentID
	h.mu.Unlock()

	_ = conn.Respond(req.ID, json.RawMessage(`{"ok":true}`), nil)
}

func (m *Manager) register(agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[agent.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, agent.ID)
	}
	m.agents[agent.ID] = agent
	m.logger.Info("agent connected",
		"agent_id", agent.ID,
		"name", agent.Name,
		"capabilities", agent.Capabilities,
		"total_agents", len(m.agents))
	return nil
}

func (m *Manager) unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, exists := m.agents[agentID]; exists {
		delete(m.agents, agentID)
		m.logger.Info("agent disconnected",
			"agent_id", agentID,
			"name", agent.Name,
			"total_agents", len(m.agents))
	}
}

// Get returns a connected agent by id.
func (m *Manager) Get(agentID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	return agent, ok
}

// Default picks the agent chat requests route to when none is named:
// the connected agent with the lexically smallest id, for determinism.
func (m *Manager) Default() (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.agents) == 0 {
		return nil, ErrNoAgents
	}
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return m.agents[ids[0]], nil
}

// List returns all connected agents.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Chat issues a streaming chat call to the default agent. Partial text
// deltas are passed to onDelta as they arrive, in order; the final response
// is returned when the stream completes. Cancelling ctx cancels the call.
func (m *Manager) Chat(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	agent, err := m.Default()
	if err != nil {
		return nil, err
	}

	_, events, err := agent.Conn.OpenStream(ctx, MethodChat, req)
	if err != nil {
		return nil, fmt.Errorf("opening chat stream: %w", err)
	}

	for msg := range events {
		if msg.Event != nil && onDelta != nil {
			var delta chatDelta
			if err := json.Unmarshal(msg.Event.Payload, &delta); err == nil && delta.Delta != "" {
				onDelta(delta.Delta)
			}
			continue
		}
		if msg.Final != nil {
			if msg.Final.Err != nil {
				// A cancel triggered by our own ctx surfaces as the ctx
				// error so callers can tell timeout from agent failure.
				if ctxErr := ctx.Err(); ctxErr != nil && msg.Final.Err.Code == rpc.CodeCancelled {
					return nil, ctxErr
				}
				return nil, msg.Final.Err
			}
			var resp ChatResponse
			if err := json.Unmarshal(msg.Final.Result, &resp); err != nil {
				return nil, fmt.Errorf("decoding chat response: %w", err)
			}
			return &resp, nil
		}
	}

	// Stream channel closed without a final: connection loss or cancel
	// raced the close.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, rpc.ErrConnClosed
}
