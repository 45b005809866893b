// ABOUTME: Tests for payload normalization and the generic JSON codec
// ABOUTME: Covers round-trip fidelity, malformed payloads, and codec fallback

package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInbound_Text(t *testing.T) {
	n := NewNormalizer()

	raw := []byte(`{"id":"m1","conversation_id":"conv1","sender":"alice","timestamp":"2026-01-02T15:04:05Z","kind":"text","text":"hello"}`)
	env, err := n.NormalizeInbound("c1", raw)
	require.NoError(t, err)

	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, "c1", env.ChannelID)
	assert.Equal(t, "conv1", env.ConversationID)
	assert.Equal(t, DirectionInbound, env.Direction)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, KindText, env.Content.Kind)
	assert.Equal(t, "hello", env.Content.Text)
}

func TestNormalizeInbound_GeneratesIDWhenMissing(t *testing.T) {
	n := NewNormalizer()

	raw := []byte(`{"conversation_id":"conv1","sender":"alice","kind":"text","text":"hi"}`)
	env, err := n.NormalizeInbound("c1", raw)
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
}

func TestNormalizeInbound_RoundTripText(t *testing.T) {
	n := NewNormalizer()

	raw := []byte(`{"id":"m1","conversation_id":"conv1","sender":"alice","timestamp":"2026-01-02T15:04:05Z","kind":"text","text":"hello"}`)
	env, err := n.NormalizeInbound("c1", raw)
	require.NoError(t, err)

	out, err := n.DenormalizeOutbound("c1", env)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestNormalizeInbound_RoundTripMedia(t *testing.T) {
	n := NewNormalizer()

	raw := []byte(`{"id":"m2","conversation_id":"conv1","sender":"bob","timestamp":"2026-01-02T15:04:05Z","kind":"media","media":{"id":"f1","uri":"https://cdn.example/f1.png","mime_type":"image/png","size":2048,"caption":"chart"}}`)
	env, err := n.NormalizeInbound("c1", raw)
	require.NoError(t, err)
	require.NotNil(t, env.Content.Media)
	assert.Equal(t, int64(2048), env.Content.Media.Size)

	// A media envelope must denormalize from its own metadata alone.
	out, err := n.DenormalizeOutbound("c1", env)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestNormalizeInbound_Malformed(t *testing.T) {
	n := NewNormalizer()

	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing conversation", `{"sender":"a","kind":"text","text":"x"}`},
		{"missing sender", `{"conversation_id":"c","kind":"text","text":"x"}`},
		{"unknown kind", `{"conversation_id":"c","sender":"a","kind":"carrier-pigeon"}`},
		{"media without ref", `{"conversation_id":"c","sender":"a","kind":"media"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.NormalizeInbound("c1", []byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

type upperCodec struct{ JSONCodec }

func (c upperCodec) Decode(raw []byte) (*Envelope, error) {
	env, err := c.JSONCodec.Decode(raw)
	if err != nil {
		return nil, err
	}
	withUpper := env.WithContent(Content{Kind: KindText, Text: env.Content.Text + "!"})
	return &withUpper, nil
}

func TestNormalizer_RegisteredCodecWins(t *testing.T) {
	n := NewNormalizer()
	n.Register("loud", upperCodec{})

	raw := []byte(`{"conversation_id":"conv1","sender":"a","kind":"text","text":"hey"}`)

	env, err := n.NormalizeInbound("loud", raw)
	require.NoError(t, err)
	assert.Equal(t, "hey!", env.Content.Text)

	env, err = n.NormalizeInbound("quiet", raw)
	require.NoError(t, err)
	assert.Equal(t, "hey", env.Content.Text)
}

func TestEnvelope_CopyOnTransform(t *testing.T) {
	orig := Envelope{
		ID:        "m1",
		ChannelID: "c1",
		Content:   Content{Kind: KindText, Text: "before"},
	}

	changed := orig.WithContent(Content{Kind: KindText, Text: "after"})
	assert.Equal(t, "before", orig.Content.Text)
	assert.Equal(t, "after", changed.Content.Text)

	rebound := orig.WithChannelID("c2")
	assert.Equal(t, "c1", orig.ChannelID)
	assert.Equal(t, "c2", rebound.ChannelID)
}

func TestNewID_Monotonic(t *testing.T) {
	now := time.Now()
	prev := NewID(now)
	for i := 0; i < 100; i++ {
		next := NewID(now)
		assert.Less(t, prev, next)
		prev = next
	}
}
