// ABOUTME: HTTP surface of the gateway: health, pairing API, and the event feed
// ABOUTME: Pairing endpoints are open; everything else requires a bound credential

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/emberhq/ember-gateway/internal/pairing"
	"github.com/emberhq/ember-gateway/internal/stream"
)

// routes builds the HTTP mux for the gateway.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	// Pairing endpoints carry their own proof, no credential yet.
	mux.HandleFunc("/api/pair/start", g.handlePairStart)
	mux.HandleFunc("/api/pair/verify", g.handlePairVerify)

	mux.Handle("/api/devices", g.requireCredential(http.HandlerFunc(g.handleListDevices)))
	mux.Handle("/api/devices/revoke", g.requireCredential(http.HandlerFunc(g.handleRevokeDevice)))
	mux.Handle("/api/sessions", g.requireCredential(http.HandlerFunc(g.handleListSessions)))

	// The feed server does its own credential check on upgrade.
	mux.Handle("/events", stream.NewServer(g.feed, g.pairing, g.engine, g.pairing, g.logger))

	return mux
}

// requireCredential gates an endpoint on a valid bound credential.
func (g *Gateway) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := g.pairing.Authenticate(r.Context(), credential); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	agents := g.agents.List()
	if len(agents) == 0 {
		http.Error(w, "no agents connected", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true, "agents": len(agents)})
}

type pairStartRequest struct {
	DeviceID string `json:"device_id"`
}

type pairStartResponse struct {
	TicketID  string    `json:"ticket_id"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g *Gateway) handlePairStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pairStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	ticket, err := g.pairing.Start(r.Context(), req.DeviceID)
	if err != nil {
		g.logger.Error("pairing start failed", "device_id", req.DeviceID, "error", err)
		http.Error(w, "pairing start failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, pairStartResponse{
		TicketID:  ticket.ID,
		Challenge: ticket.Challenge,
		ExpiresAt: ticket.ExpiresAt,
	})
}

type pairVerifyRequest struct {
	DeviceID string `json:"device_id"`
	pairing.Proof
}

type pairVerifyResponse struct {
	Credential string `json:"credential"`
}

func (g *Gateway) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pairVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	credential, err := g.pairing.Verify(r.Context(), req.DeviceID, req.Proof)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrExpired):
			http.Error(w, "pairing ticket expired", http.StatusGone)
		case errors.Is(err, pairing.ErrInvalidProof):
			http.Error(w, "invalid proof", http.StatusForbidden)
		default:
			g.logger.Error("pairing verify failed", "device_id", req.DeviceID, "error", err)
			http.Error(w, "pairing verify failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, pairVerifyResponse{Credential: credential})
}

type deviceInfo struct {
	DeviceID    string     `json:"device_id"`
	Name        string     `json:"name,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	BoundAt     time.Time  `json:"bound_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := g.pairing.Devices(r.Context())
	if err != nil {
		g.logger.Error("listing devices", "error", err)
		http.Error(w, "listing devices failed", http.StatusInternalServerError)
		return
	}

	out := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceInfo{
			DeviceID:    d.DeviceID,
			Name:        d.Name,
			Fingerprint: d.Fingerprint,
			BoundAt:     d.BoundAt,
			RevokedAt:   d.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

type revokeRequest struct {
	DeviceID string `json:"device_id"`
}

func (g *Gateway) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	if err := g.pairing.Revoke(r.Context(), req.DeviceID); err != nil {
		g.logger.Error("revoking device", "device_id", req.DeviceID, "error", err)
		http.Error(w, "revoke failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sessionInfo struct {
	ConversationID string    `json:"conversation_id"`
	State          string    `json:"state"`
	ChannelBinding string    `json:"channel_binding,omitempty"`
	QueueLen       int       `json:"queue_len"`
	HistoryLen     int       `json:"history_len"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshots := g.sessions.List()
	out := make([]sessionInfo, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, sessionInfo{
			ConversationID: s.ConversationID,
			State:          string(s.State),
			ChannelBinding: s.ChannelBinding,
			QueueLen:       s.QueueLen,
			HistoryLen:     s.HistoryLen,
			LastActivityAt: s.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
