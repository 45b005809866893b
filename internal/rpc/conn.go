// ABOUTME: Bidirectional RPC connection with request correlation and stream ordering
// ABOUTME: Enforces seq ordering, version gating, and a violation strike threshold

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxViolations is how many protocol violations a peer may commit
// before the connection is torn down.
const DefaultMaxViolations = 3

// streamBufferSize is the channel buffer for stream consumers.
const streamBufferSize = 16

// Handler serves requests arriving from the peer. Implementations reply via
// Conn.Respond and Conn.StreamEvent using the request's id; the ctx is
// cancelled if the peer sends a cancel frame for that id.
type Handler interface {
	HandleRequest(ctx context.Context, req *Message, conn *Conn)
}

// Options configures a Conn.
type Options struct {
	Logger        *slog.Logger
	Handler       Handler
	MaxViolations int
}

type streamState struct {
	ch      chan StreamMessage
	nextSeq uint64
}

// Conn is one framed RPC connection. Both peers may issue requests; ids
// correlate responses and stream events back to their request.
type Conn struct {
	rwc    io.ReadWriteCloser
	fr     *frameReader
	fw     *frameWriter
	logger *slog.Logger

	handler       Handler
	maxViolations int

	mu         sync.Mutex
	pending    map[string]chan *Response
	streams    map[string]*streamState
	cancelled  map[string]struct{}
	inflight   map[string]context.CancelFunc
	violations int
	closed     bool
	closeErr   error

	done chan struct{}
}

// NewConn wraps a duplex stream and starts the read loop.
func NewConn(rwc io.ReadWriteCloser, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxViolations := opts.MaxViolations
	if maxViolations <= 0 {
		maxViolations = DefaultMaxViolations
	}

	c := &Conn{
		rwc:           rwc,
		fr:            newFrameReader(rwc),
		fw:            newFrameWriter(rwc),
		logger:        logger.With("component", "rpc"),
		handler:       opts.Handler,
		maxViolations: maxViolations,
		pending:       make(map[string]chan *Response),
		streams:       make(map[string]*streamState),
		cancelled:     make(map[string]struct{}),
		inflight:      make(map[string]context.CancelFunc),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Call issues a unary request and waits for its response.
// At most one response is outstanding per id; ids are generated fresh here,
// so reuse can only come from the peer and is treated as a violation there.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &Message{Type: TypeRequest, ID: id, Method: method, Params: raw, Version: ProtocolVersion}
	if err := c.fw.Write(msg); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp := <-ch:
		return resultOf(resp)
	case <-ctx.Done():
		c.Cancel(id)
		return nil, ctx.Err()
	case <-c.done:
		// closeWith delivers the failure before closing done; drain it so the
		// caller sees the retryable error rather than a bare closed-conn.
		select {
		case resp := <-ch:
			return resultOf(resp)
		default:
		}
		return nil, ErrConnClosed
	}
}

// OpenStream issues a streaming request. The returned channel yields stream
// events in seq order followed by exactly one Final message, then closes.
// Cancelling ctx cancels the stream best-effort.
func (c *Conn) OpenStream(ctx context.Context, method string, params any) (string, <-chan StreamMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return "", nil, err
	}

	id := uuid.New().String()
	st := &streamState{ch: make(chan StreamMessage, streamBufferSize)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrConnClosed
	}
	c.streams[id] = st
	c.mu.Unlock()

	msg := &Message{Type: TypeRequest, ID: id, Method: method, Params: raw, Version: ProtocolVersion}
	if err := c.fw.Write(msg); err != nil {
		c.forget(id)
		return "", nil, fmt.Errorf("sending request: %w", err)
	}

	// Cancel for an already-completed id is a no-op, so the AfterFunc can
	// fire late without harm.
	context.AfterFunc(ctx, func() { c.Cancel(id) })

	return id, st.ch, nil
}

// Cancel cancels a pending request or stream. Best-effort: the peer may have
// a final response in flight, which is discarded when it arrives.
func (c *Conn) Cancel(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	cancelledErr := &Error{Code: CodeCancelled, Message: "cancelled by caller"}
	if ch, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.cancelled[id] = struct{}{}
		c.mu.Unlock()
		ch <- &Response{ID: id, Err: cancelledErr}
	} else if st, ok := c.streams[id]; ok {
		delete(c.streams, id)
		c.cancelled[id] = struct{}{}
		c.mu.Unlock()
		st.deliverFinal(&Response{ID: id, Err: cancelledErr})
	} else {
		c.mu.Unlock()
		return
	}

	if err := c.fw.Write(&Message{Type: TypeCancel, ID: id}); err != nil {
		c.logger.Debug("sending cancel failed", "id", id, "error", err)
	}
}

// Respond sends a response for a request received from the peer.
func (c *Conn) Respond(id string, result json.RawMessage, errObj *Error) error {
	c.finishInflight(id)
	return c.fw.Write(&Message{Type: TypeResponse, ID: id, Result: result, Error: errObj})
}

// StreamEvent sends one stream event for a request received from the peer.
// The caller owns seq numbering: strictly incrementing from 0.
func (c *Conn) StreamEvent(id string, seq uint64, payload json.RawMessage) error {
	return c.fw.Write(&Message{Type: TypeStreamEvent, ID: id, Seq: seq, Payload: payload})
}

// Close tears down the connection and fails everything pending.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed)
	return nil
}

func (c *Conn) readLoop() {
	for {
		msg, err := c.fr.Read()
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) && !c.fr.desynced {
				if c.strike(err) {
					return
				}
				continue
			}
			c.closeWith(err)
			return
		}

		switch msg.Type {
		case TypeResponse:
			c.deliverResponse(msg)
		case TypeStreamEvent:
			if c.deliverEvent(msg) {
				return
			}
		case TypeRequest:
			c.acceptRequest(msg)
		case TypeCancel:
			c.finishInflight(msg.ID)
		}
	}
}

// strike counts a protocol violation. Returns true if the connection was
// closed because the threshold was crossed.
func (c *Conn) strike(cause error) bool {
	c.mu.Lock()
	c.violations++
	count := c.violations
	c.mu.Unlock()

	c.logger.Warn("protocol violation", "violations", count, "max", c.maxViolations, "error", cause)
	if count >= c.maxViolations {
		c.closeWith(fmt.Errorf("%w: violation threshold reached: %v", ErrProtocolViolation, cause))
		return true
	}
	return false
}

func (c *Conn) deliverResponse(msg *Message) {
	resp := &Response{ID: msg.ID, Result: msg.Result, Err: msg.Error}

	c.mu.Lock()
	if _, wasCancelled := c.cancelled[msg.ID]; wasCancelled {
		// Final response raced our cancel; drop it.
		delete(c.cancelled, msg.ID)
		c.mu.Unlock()
		return
	}
	if ch, ok := c.pending[msg.ID]; ok {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		ch <- resp
		return
	}
	if st, ok := c.streams[msg.ID]; ok {
		delete(c.streams, msg.ID)
		c.mu.Unlock()
		st.deliverFinal(resp)
		return
	}
	c.mu.Unlock()

	c.logger.Warn("response for unknown request", "id", msg.ID)
}

// deliverEvent routes a stream event. Returns true if the connection was
// closed due to a violation threshold.
func (c *Conn) deliverEvent(msg *Message) bool {
	c.mu.Lock()
	if _, wasCancelled := c.cancelled[msg.ID]; wasCancelled {
		c.mu.Unlock()
		return false
	}
	st, ok := c.streams[msg.ID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("stream event for unknown stream", "id", msg.ID, "seq", msg.Seq)
		return false
	}
	if msg.Seq != st.nextSeq {
		// Gap or out-of-order seq ends this stream with an error response;
		// no further events for this id reach the consumer.
		delete(c.streams, msg.ID)
		c.cancelled[msg.ID] = struct{}{}
		expected := st.nextSeq
		c.mu.Unlock()

		st.deliverFinal(&Response{ID: msg.ID, Err: &Error{
			Code:    CodeProtocolViolation,
			Message: fmt.Sprintf("stream seq %d, expected %d", msg.Seq, expected),
		}})
		return c.strike(fmt.Errorf("%w: stream %s seq %d, expected %d", ErrProtocolViolation, msg.ID, msg.Seq, expected))
	}
	st.nextSeq++
	c.mu.Unlock()

	select {
	case st.ch <- StreamMessage{Event: &StreamEvent{ID: msg.ID, Seq: msg.Seq, Payload: msg.Payload}}:
	case <-c.done:
	}
	return false
}

func (c *Conn) acceptRequest(msg *Message) {
	if msg.Version != ProtocolVersion {
		// Explicit error response, never a silent downgrade.
		_ = c.Respond(msg.ID, nil, &Error{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("protocol version %d, want %d", msg.Version, ProtocolVersion),
		})
		return
	}

	c.mu.Lock()
	if _, active := c.inflight[msg.ID]; active {
		c.violations++
		count := c.violations
		c.mu.Unlock()

		_ = c.Respond(msg.ID, nil, &Error{
			Code:    CodeProtocolViolation,
			Message: "request id reused before completion",
		})
		c.logger.Warn("protocol violation", "violations", count, "max", c.maxViolations, "error", "duplicate request id "+msg.ID)
		if count >= c.maxViolations {
			c.closeWith(fmt.Errorf("%w: violation threshold reached", ErrProtocolViolation))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.inflight[msg.ID] = cancel
	c.mu.Unlock()

	if c.handler == nil {
		_ = c.Respond(msg.ID, nil, &Error{Code: CodeMethodNotFound, Message: "no handler registered"})
		return
	}
	go c.handler.HandleRequest(ctx, msg, c)
}

func (c *Conn) finishInflight(id string) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause

	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]chan *Response)
	c.streams = make(map[string]*streamState)
	for _, cancel := range c.inflight {
		cancel()
	}
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	lost := &Error{Code: CodeInternal, Message: "connection lost", Retryable: true}
	for id, ch := range pending {
		ch <- &Response{ID: id, Err: lost}
	}
	for id, st := range streams {
		st.deliverFinal(&Response{ID: id, Err: lost})
	}

	close(c.done)
	_ = c.rwc.Close()

	if !errors.Is(cause, ErrConnClosed) && !errors.Is(cause, io.EOF) {
		c.logger.Warn("rpc connection closed", "error", cause)
	}
}

// deliverFinal sends the terminal response and closes the consumer channel.
// If the consumer abandoned the channel and its buffer is full, the final is
// dropped; the close alone then signals termination.
func (st *streamState) deliverFinal(resp *Response) {
	select {
	case st.ch <- StreamMessage{Final: resp}:
	default:
	}
	close(st.ch)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return raw, nil
}

func resultOf(resp *Response) (json.RawMessage, error) {
	if resp.Err == nil {
		return resp.Result, nil
	}
	switch resp.Err.Code {
	case CodeUnsupportedVersion:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, resp.Err.Message)
	case CodeCancelled:
		return nil, ErrCancelled
	default:
		return nil, resp.Err
	}
}
