// ABOUTME: Tests for the Store implementations (SQLite and in-memory)
// ABOUTME: Exercises both backends through the shared interface

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func textEnvelope(id, channelID, conversationID, text string) envelope.Envelope {
	return envelope.Envelope{
		ID:             id,
		ChannelID:      channelID,
		ConversationID: conversationID,
		Direction:      envelope.DirectionInbound,
		Sender:         "user-1",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Content:        envelope.Content{Kind: envelope.KindText, Text: text},
	}
}

func TestSession_SaveGetRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		rec := &SessionRecord{
			ConversationID:   "conv1",
			State:            SessionAwaitingAgent,
			ChannelBinding:   "c1",
			PendingRequestID: "req-1",
			Queue: []envelope.Envelope{
				textEnvelope("m2", "c1", "conv1", "second"),
				textEnvelope("m3", "c1", "conv1", "third"),
			},
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		require.NoError(t, s.SaveSession(ctx, rec))

		got, err := s.GetSession(ctx, "conv1")
		require.NoError(t, err)
		assert.Equal(t, SessionAwaitingAgent, got.State)
		assert.Equal(t, "c1", got.ChannelBinding)
		assert.Equal(t, "req-1", got.PendingRequestID)
		require.Len(t, got.Queue, 2)
		assert.Equal(t, "second", got.Queue[0].Content.Text)
		assert.Equal(t, "third", got.Queue[1].Content.Text)
		assert.True(t, got.LastActivityAt.Equal(now))
	})
}

func TestSession_GetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetSession(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSession_SaveIsUpsert(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		rec := &SessionRecord{ConversationID: "conv1", State: SessionActive, ChannelBinding: "c1", LastActivityAt: now, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.SaveSession(ctx, rec))

		rec.State = SessionPaused
		require.NoError(t, s.SaveSession(ctx, rec))

		got, err := s.GetSession(ctx, "conv1")
		require.NoError(t, err)
		assert.Equal(t, SessionPaused, got.State)
	})
}

func TestSession_Delete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.SaveSession(ctx, &SessionRecord{ConversationID: "conv1", State: SessionClosed, ChannelBinding: "c1", LastActivityAt: now, CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, s.DeleteSession(ctx, "conv1"))

		_, err := s.GetSession(ctx, "conv1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteSession(ctx, "conv1"), ErrNotFound)
	})
}

func TestRecoverInterrupted(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		save := func(conv, state, pending string) {
			require.NoError(t, s.SaveSession(ctx, &SessionRecord{
				ConversationID: conv, State: state, ChannelBinding: "c1",
				PendingRequestID: pending, LastActivityAt: now, CreatedAt: now, UpdatedAt: now,
			}))
		}
		save("stuck-a", SessionAwaitingAgent, "req-a")
		save("stuck-b", SessionAwaitingAgent, "req-b")
		save("fine", SessionActive, "")
		save("asleep", SessionIdle, "")

		interrupted, err := s.RecoverInterrupted(ctx)
		require.NoError(t, err)
		require.Len(t, interrupted, 2)
		assert.Equal(t, "stuck-a", interrupted[0].ConversationID)
		assert.Equal(t, "req-a", interrupted[0].PendingRequestID)

		for _, conv := range []string{"stuck-a", "stuck-b"} {
			got, err := s.GetSession(ctx, conv)
			require.NoError(t, err)
			assert.Equal(t, SessionActive, got.State)
			assert.Empty(t, got.PendingRequestID)
		}

		got, err := s.GetSession(ctx, "asleep")
		require.NoError(t, err)
		assert.Equal(t, SessionIdle, got.State)
	})
}

func TestHistory_AppendAndGetInOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, text := range []string{"one", "two", "three"} {
			env := textEnvelope(envelope.NewID(time.Now()), "c1", "conv1", text)
			require.NoError(t, s.AppendHistory(ctx, "conv1", env))
		}

		envs, err := s.GetHistory(ctx, "conv1", 0)
		require.NoError(t, err)
		require.Len(t, envs, 3)
		assert.Equal(t, "one", envs[0].Content.Text)
		assert.Equal(t, "two", envs[1].Content.Text)
		assert.Equal(t, "three", envs[2].Content.Text)

		limited, err := s.GetHistory(ctx, "conv1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestHistory_ReplaceAfterCompaction(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, text := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.AppendHistory(ctx, "conv1", textEnvelope(envelope.NewID(time.Now()), "c1", "conv1", text)))
		}

		summary := textEnvelope("summary-1", "c1", "conv1", "a b")
		compacted := []envelope.Envelope{
			summary,
			textEnvelope("m-c", "c1", "conv1", "c"),
			textEnvelope("m-d", "c1", "conv1", "d"),
		}
		require.NoError(t, s.ReplaceHistory(ctx, "conv1", compacted))

		envs, err := s.GetHistory(ctx, "conv1", 0)
		require.NoError(t, err)
		require.Len(t, envs, 3)
		assert.Equal(t, "summary-1", envs[0].ID)
		assert.Equal(t, "d", envs[2].Content.Text)

		// Appends continue from the new tail.
		require.NoError(t, s.AppendHistory(ctx, "conv1", textEnvelope("m-e", "c1", "conv1", "e")))
		envs, err = s.GetHistory(ctx, "conv1", 0)
		require.NoError(t, err)
		require.Len(t, envs, 4)
		assert.Equal(t, "e", envs[3].Content.Text)
	})
}

func TestHistory_MediaRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := textEnvelope("m1", "c1", "conv1", "")
		env.Content = envelope.Content{Kind: envelope.KindMedia, Media: &envelope.MediaRef{
			ID: "att-1", URI: "https://cdn.example/att-1", MimeType: "image/png", Size: 2048, Caption: "diagram",
		}}
		require.NoError(t, s.AppendHistory(ctx, "conv1", env))

		envs, err := s.GetHistory(ctx, "conv1", 0)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		require.NotNil(t, envs[0].Content.Media)
		assert.Equal(t, "att-1", envs[0].Content.Media.ID)
		assert.Equal(t, int64(2048), envs[0].Content.Media.Size)
		assert.Equal(t, "diagram", envs[0].Content.Media.Caption)
	})
}

func TestDevice_SaveGetRevoke(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		device := &Device{
			DeviceID:    "phone-1",
			Name:        "Kit's phone",
			PublicKey:   "ssh-ed25519 AAAA... kit@phone",
			Fingerprint: "SHA256:abcdef",
			BoundAt:     now,
		}
		require.NoError(t, s.SaveDevice(ctx, device))

		got, err := s.GetDevice(ctx, "phone-1")
		require.NoError(t, err)
		assert.False(t, got.Revoked())
		assert.Equal(t, "SHA256:abcdef", got.Fingerprint)

		revokedAt := now.Add(time.Hour)
		device.RevokedAt = &revokedAt
		require.NoError(t, s.SaveDevice(ctx, device))

		got, err = s.GetDevice(ctx, "phone-1")
		require.NoError(t, err)
		assert.True(t, got.Revoked())
	})
}

func TestTicket_Lifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		first := &PairingTicket{
			ID: "t1", DeviceID: "phone-1", Challenge: "challenge-x",
			State: TicketIssued, CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
		}
		require.NoError(t, s.SaveTicket(ctx, first))

		issued, err := s.GetIssuedTicket(ctx, "phone-1")
		require.NoError(t, err)
		assert.Equal(t, "t1", issued.ID)

		first.State = TicketExpired
		require.NoError(t, s.SaveTicket(ctx, first))

		second := &PairingTicket{
			ID: "t2", DeviceID: "phone-1", Challenge: "challenge-y",
			State: TicketIssued, CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(6 * time.Minute),
		}
		require.NoError(t, s.SaveTicket(ctx, second))

		issued, err = s.GetIssuedTicket(ctx, "phone-1")
		require.NoError(t, err)
		assert.Equal(t, "t2", issued.ID)

		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TicketExpired, got.State)

		_, err = s.GetIssuedTicket(ctx, "other-device")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
