// ABOUTME: Length-prefixed JSON framing over any duplex byte stream
// ABOUTME: 4-byte big-endian length followed by one Message body

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame body. Oversized frames are a protocol
// violation, not an allocation request.
const MaxFrameSize = 4 << 20

// frameReader decodes framed messages from a stream.
type frameReader struct {
	br *bufio.Reader

	// desynced is set when the byte stream can no longer be trusted (a bad
	// length prefix); message-level violations leave the stream readable.
	desynced bool
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReader(r)}
}

// Read returns the next message. Framing and JSON errors wrap
// ErrProtocolViolation; transport errors (EOF included) pass through.
func (fr *frameReader) Read() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.br, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		fr.desynced = true
		return nil, fmt.Errorf("%w: frame size %d", ErrProtocolViolation, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.br, body); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// frameWriter encodes framed messages onto a stream. Safe for concurrent use.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (fw *frameWriter) Write(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("message exceeds max frame size: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(body); err != nil {
		return err
	}
	return nil
}
