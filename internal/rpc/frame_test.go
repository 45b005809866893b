// ABOUTME: Tests for length-prefixed frame encoding and decoding
// ABOUTME: Covers round-trips, bad length prefixes, and recoverable body errors

package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	fr := newFrameReader(&buf)

	want := &Message{Type: TypeRequest, ID: "r1", Method: "chat", Version: ProtocolVersion}
	require.NoError(t, fw.Write(want))

	got, err := fr.Read()
	require.NoError(t, err)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Method, got.Method)
	assert.Equal(t, want.Version, got.Version)
}

func TestFrame_MultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	fr := newFrameReader(&buf)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.NoError(t, fw.Write(&Message{Type: TypeCancel, ID: id}))
	}
	for _, id := range ids {
		got, err := fr.Read()
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
	}
	_, err := fr.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_ZeroLengthDesyncs(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	fr := newFrameReader(&buf)

	_, err := fr.Read()
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, fr.desynced)
}

func TestFrame_OversizedDesyncs(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])
	fr := newFrameReader(&buf)

	_, err := fr.Read()
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, fr.desynced)
}

func TestFrame_BadJSONIsRecoverable(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("{not json")
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	fw := newFrameWriter(&buf)
	require.NoError(t, fw.Write(&Message{Type: TypeCancel, ID: "after"}))

	fr := newFrameReader(&buf)
	_, err := fr.Read()
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, fr.desynced, "a well-framed bad body must not poison the stream")

	got, err := fr.Read()
	require.NoError(t, err)
	assert.Equal(t, "after", got.ID)
}

func TestFrame_ValidateRejectsMissingID(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	require.NoError(t, fw.Write(&Message{Type: TypeResponse}))

	fr := newFrameReader(&buf)
	_, err := fr.Read()
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, fr.desynced)
}

func TestFrame_ValidateRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)
	require.NoError(t, fw.Write(&Message{Type: "telemetry", ID: "x"}))

	fr := newFrameReader(&buf)
	_, err := fr.Read()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestFrame_WriterRejectsOversizedBody(t *testing.T) {
	fw := newFrameWriter(io.Discard)
	huge := make([]byte, MaxFrameSize)
	for i := range huge {
		huge[i] = 'a'
	}
	err := fw.Write(&Message{Type: TypeStreamEvent, ID: "big", Payload: append([]byte(`"`), append(huge, '"')...)})
	assert.Error(t, err)
}
