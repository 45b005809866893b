// ABOUTME: Websocket server exposing the event feed to paired devices
// ABOUTME: Authenticates the bound credential and accepts session commands

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Command actions a connected device may issue on the feed.
const (
	ActionPauseSession  = "pause_session"
	ActionResumeSession = "resume_session"
	ActionCloseSession  = "close_session"
	ActionRevokeDevice  = "revoke_device"
)

// Command is one control message from a connected device.
type Command struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
}

// ack answers each command on the same connection.
type ack struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Authenticator validates a bound credential and returns the device id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// SessionController applies session commands from the feed.
type SessionController interface {
	PauseSession(ctx context.Context, conversationID string) error
	ResumeSession(ctx context.Context, conversationID string) error
	CloseSession(ctx context.Context, conversationID string) error
}

// DeviceRevoker revokes a paired device.
type DeviceRevoker interface {
	Revoke(ctx context.Context, deviceID string) error
}

// Server upgrades authenticated devices onto the event feed.
type Server struct {
	broadcaster *Broadcaster
	auth        Authenticator
	sessions    SessionController
	devices     DeviceRevoker
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// NewServer creates a feed server over the given broadcaster.
func NewServer(b *Broadcaster, auth Authenticator, sessions SessionController, devices DeviceRevoker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broadcaster: b,
		auth:        auth,
		sessions:    sessions,
		devices:     devices,
		logger:      logger.With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one websocket upgrade on the events endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.auth.Authenticate(r.Context(), credentialFrom(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// The request context dies after the upgrade; the connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	events, subID := s.broadcaster.Subscribe(ctx)

	s.logger.Info("device connected to feed",
		"device_id", deviceID,
		"sub_id", subID,
		"remote_addr", r.RemoteAddr)

	var writeMu sync.Mutex
	go s.writePump(conn, &writeMu, events, cancel)
	s.readPump(ctx, conn, &writeMu, deviceID, cancel)
}

// credentialFrom extracts the bound credential from the Authorization header
// or, for browser websocket clients that cannot set headers, the query string.
func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("credential")
}

// writePump forwards feed events to the device and keeps the connection
// alive with pings. It owns the connection teardown on write failure.
func (s *Server) writePump(conn *websocket.Conn, writeMu *sync.Mutex, events <-chan Event, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				writeMu.Unlock()
				return
			}
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteJSON(event)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump handles inbound commands until the device disconnects.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, deviceID string, cancel context.CancelFunc) {
	defer func() {
		cancel()
		_ = conn.Close()
		s.logger.Info("device disconnected from feed", "device_id", deviceID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "device_id", deviceID, "error", err)
			}
			return
		}

		result := ack{Action: cmd.Action, OK: true}
		if err := s.apply(ctx, deviceID, cmd); err != nil {
			result.OK = false
			result.Error = err.Error()
		}

		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(result)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) apply(ctx context.Context, deviceID string, cmd Command) error {
	s.logger.Info("feed command",
		"device_id", deviceID,
		"action", cmd.Action,
		"conversation_id", cmd.ConversationID)

	switch cmd.Action {
	case ActionPauseSession:
		return s.sessions.PauseSession(ctx, cmd.ConversationID)
	case ActionResumeSession:
		return s.sessions.ResumeSession(ctx, cmd.ConversationID)
	case ActionCloseSession:
		return s.sessions.CloseSession(ctx, cmd.ConversationID)
	case ActionRevokeDevice:
		return s.devices.Revoke(ctx, cmd.DeviceID)
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
