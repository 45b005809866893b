// ABOUTME: Tests for the gateway HTTP surface
// ABOUTME: Runs the full pairing flow over HTTP and checks credential gating

package gateway

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/emberhq/ember-gateway/internal/config"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{AgentAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")},
		Pairing:  config.PairingConfig{JWTSecret: "test-secret"},
	}
	g, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(g.close)

	srv := httptest.NewServer(g.routes())
	t.Cleanup(srv.Close)
	return g, srv
}

func postJSON(t *testing.T, url, credential string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getWithCredential(t *testing.T, url, credential string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v), "body: %s", data)
}

// pairDevice runs the pairing flow over HTTP and returns a bound credential.
func pairDevice(t *testing.T, baseURL, deviceID string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	resp := postJSON(t, baseURL+"/api/pair/start", "", map[string]string{"device_id": deviceID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var start pairStartResponse
	decodeBody(t, resp, &start)
	require.NotEmpty(t, start.Challenge)

	sig, err := signer.Sign(rand.Reader, []byte(start.Challenge))
	require.NoError(t, err)

	resp = postJSON(t, baseURL+"/api/pair/verify", "", map[string]string{
		"device_id":  deviceID,
		"name":       "test phone",
		"public_key": string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
		"signature":  base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify pairVerifyResponse
	decodeBody(t, resp, &verify)
	require.NotEmpty(t, verify.Credential)
	return verify.Credential
}

func TestHealth(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady_NoAgents(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPairingFlowOverHTTP(t *testing.T) {
	_, srv := newTestGateway(t)

	credential := pairDevice(t, srv.URL, "phone-1")

	resp := getWithCredential(t, srv.URL+"/api/devices", credential)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Devices []deviceInfo `json:"devices"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Devices, 1)
	assert.Equal(t, "phone-1", out.Devices[0].DeviceID)
	assert.Equal(t, "test phone", out.Devices[0].Name)
	assert.NotEmpty(t, out.Devices[0].Fingerprint)
}

func TestAuthedEndpointsRejectMissingCredential(t *testing.T) {
	_, srv := newTestGateway(t)

	for _, path := range []string{"/api/devices", "/api/sessions"} {
		resp := getWithCredential(t, srv.URL+path, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestPairVerify_BadSignatureRejected(t *testing.T) {
	_, srv := newTestGateway(t)

	resp := postJSON(t, srv.URL+"/api/pair/start", "", map[string]string{"device_id": "phone-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	sig, err := signer.Sign(rand.Reader, []byte("not the challenge"))
	require.NoError(t, err)

	resp = postJSON(t, srv.URL+"/api/pair/verify", "", map[string]string{
		"device_id":  "phone-1",
		"public_key": string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
		"signature":  base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRevokedCredentialStopsWorking(t *testing.T) {
	_, srv := newTestGateway(t)

	credential := pairDevice(t, srv.URL, "phone-1")

	resp := postJSON(t, srv.URL+"/api/devices/revoke", credential, map[string]string{"device_id": "phone-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getWithCredential(t, srv.URL+"/api/devices", credential)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListSessions_EmptyInitially(t *testing.T) {
	_, srv := newTestGateway(t)
	credential := pairDevice(t, srv.URL, "phone-1")

	resp := getWithCredential(t, srv.URL+"/api/sessions", credential)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Sessions []sessionInfo `json:"sessions"`
	}
	decodeBody(t, resp, &out)
	assert.Empty(t, out.Sessions)
}
