// ABOUTME: Routing engine mapping inbound envelopes to sessions and agent calls
// ABOUTME: Enforces single in-flight requests, FIFO queue drain, and failure envelopes

package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember-gateway/internal/agentconn"
	"github.com/emberhq/ember-gateway/internal/dedupe"
	"github.com/emberhq/ember-gateway/internal/envelope"
	"github.com/emberhq/ember-gateway/internal/hooks"
	"github.com/emberhq/ember-gateway/internal/session"
)

// DefaultAgentTimeout bounds one agent request. Configurable; on expiry the
// request fails and the session unblocks, with no automatic retry.
const DefaultAgentTimeout = 30 * time.Second

// Failure kinds carried in downstream failure envelopes.
const (
	FailureTimeout     = "timeout"
	FailureAgentError  = "agent_error"
	FailureRejected    = "rejected"
	FailurePluginFault = "plugin_fault"
	FailureClosed      = "session_closed"
	FailureRestart     = "request_lost_on_restart"
)

// AgentCaller issues chat calls to a connected agent.
type AgentCaller interface {
	Chat(ctx context.Context, req agentconn.ChatRequest, onDelta func(string)) (*agentconn.ChatResponse, error)
}

// Sender delivers raw outbound payloads to channel adapters.
type Sender interface {
	Send(ctx context.Context, channelID string, raw []byte) error
}

// Options configures an Engine.
type Options struct {
	Sessions     *session.Manager
	Hooks        *hooks.Registry
	Dedupe       *dedupe.Cache
	Agent        AgentCaller
	Adapters     Sender
	Normalizer   *envelope.Normalizer
	Logger       *slog.Logger
	AgentTimeout time.Duration
	// Deltas, if set, receives streamed partial agent output per conversation.
	// It must not block.
	Deltas func(conversationID, delta string)
}

// Engine drives envelopes through the pipeline: dedupe, hooks, session
// state, the agent call, and outbound delivery. Distinct conversations are
// processed fully in parallel; within one conversation the session manager
// serializes every step.
type Engine struct {
	sessions   *session.Manager
	hooks      *hooks.Registry
	dedupe     *dedupe.Cache
	agent      AgentCaller
	adapters   Sender
	normalizer *envelope.Normalizer
	logger     *slog.Logger
	timeout    time.Duration
	deltas     func(conversationID, delta string)
}

// New creates a routing engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.AgentTimeout
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	deltas := opts.Deltas
	if deltas == nil {
		deltas = func(string, string) {}
	}

	return &Engine{
		sessions:   opts.Sessions,
		hooks:      opts.Hooks,
		dedupe:     opts.Dedupe,
		agent:      opts.Agent,
		adapters:   opts.Adapters,
		normalizer: opts.Normalizer,
		logger:     logger.With("component", "router"),
		timeout:    timeout,
		deltas:     deltas,
	}
}

// HandleInbound normalizes and routes one raw payload from a channel
// adapter. Malformed payloads are dropped with an error for the adapter to
// act on; the engine never retries them.
func (e *Engine) HandleInbound(ctx context.Context, channelID string, raw []byte) error {
	env, err := e.normalizer.NormalizeInbound(channelID, raw)
	if err != nil {
		e.logger.Warn("dropping malformed payload", "channel_id", channelID, "error", err)
		return err
	}
	return e.Route(ctx, env)
}

// Route admits a canonical inbound envelope into its session and dispatches
// it toward the agent. Re-delivered envelopes (same channel and id) are
// ignored: adapters are at-least-once sources.
func (e *Engine) Route(ctx context.Context, env envelope.Envelope) error {
	if !e.dedupe.Admit(env.Key()) {
		e.logger.Debug("duplicate delivery ignored", "envelope_id", env.ID, "channel_id", env.ChannelID)
		return nil
	}

	out := e.hooks.Dispatch(ctx, hooks.StagePreRoute, env)
	if out.Rejected != nil {
		return e.sendFailure(ctx, env.ChannelID, env.ConversationID, env.ID, rejectKind(out.Rejected), out.Rejected.Reason)
	}
	if out.Reply != nil {
		return e.deliver(ctx, out.Reply.WithCorrelationID(env.ID))
	}
	env = out.Envelope

	if _, _, err := e.sessions.Resolve(ctx, env.ConversationID, env.ChannelID); err != nil {
		return err
	}
	if err := e.sessions.Admit(ctx, env.ConversationID, env); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return e.sendFailure(ctx, env.ChannelID, env.ConversationID, env.ID, FailureClosed, "conversation is closed")
		}
		return err
	}

	return e.dispatch(ctx, env)
}

// dispatch starts the agent request for an envelope, or queues it when the
// session already has one in flight (or is paused).
func (e *Engine) dispatch(ctx context.Context, env envelope.Envelope) error {
	requestID := uuid.New().String()
	began, err := e.sessions.TryBegin(ctx, env.ConversationID, requestID)
	if err != nil {
		return err
	}
	if !began {
		return e.sessions.Enqueue(ctx, env.ConversationID, env)
	}

	go e.invoke(env, requestID)
	return nil
}

// invoke runs the agent call for one envelope. Runs in its own goroutine so
// routing never blocks on the agent; the session's AwaitingAgent state is
// the mutual exclusion.
func (e *Engine) invoke(env envelope.Envelope, requestID string) {
	ctx := context.Background()

	out := e.hooks.Dispatch(ctx, hooks.StagePreAgent, env)
	if out.Rejected != nil {
		e.completeAndDrain(env.ConversationID, requestID)
		_ = e.sendFailure(ctx, env.ChannelID, env.ConversationID, env.ID, rejectKind(out.Rejected), out.Rejected.Reason)
		return
	}
	if out.Reply != nil {
		e.completeAndDrain(env.ConversationID, requestID)
		_ = e.deliver(ctx, out.Reply.WithCorrelationID(env.ID))
		return
	}
	env = out.Envelope

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.agent.Chat(callCtx, agentconn.ChatRequest{
		ConversationID: env.ConversationID,
		Sender:         env.Sender,
		Text:           textOf(env),
	}, func(delta string) { e.deltas(env.ConversationID, delta) })
	if err != nil {
		kind := FailureAgentError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		e.logger.Warn("agent request failed",
			"conversation_id", env.ConversationID,
			"request_id", requestID,
			"kind", kind,
			"error", err)
		e.completeAndDrain(env.ConversationID, requestID)
		_ = e.sendFailure(ctx, env.ChannelID, env.ConversationID, env.ID, kind, err.Error())
		return
	}

	reply := envelope.Envelope{
		ID:             envelope.NewID(time.Now()),
		ChannelID:      env.ChannelID,
		ConversationID: env.ConversationID,
		Direction:      envelope.DirectionOutbound,
		Sender:         "agent",
		Timestamp:      time.Now(),
		Content:        envelope.Content{Kind: envelope.KindText, Text: resp.Text},
		CorrelationID:  env.ID,
	}

	out = e.hooks.Dispatch(ctx, hooks.StagePostAgent, reply)
	if out.Rejected != nil {
		e.completeAndDrain(env.ConversationID, requestID)
		_ = e.sendFailure(ctx, env.ChannelID, env.ConversationID, env.ID, rejectKind(out.Rejected), out.Rejected.Reason)
		return
	}
	if out.Reply != nil {
		reply = out.Reply.WithCorrelationID(env.ID)
	} else {
		reply = out.Envelope
	}

	e.completeAndDrain(env.ConversationID, requestID)
	_ = e.deliver(ctx, reply)
}

// completeAndDrain finishes the pending request and re-dispatches the next
// queued envelope, preserving arrival order.
func (e *Engine) completeAndDrain(conversationID, requestID string) {
	ctx := context.Background()
	next, err := e.sessions.Complete(ctx, conversationID, requestID)
	if err != nil {
		e.logger.Error("completing request", "conversation_id", conversationID, "request_id", requestID, "error", err)
		return
	}
	if next != nil {
		if err := e.dispatch(ctx, *next); err != nil {
			e.logger.Error("dispatching queued envelope", "conversation_id", conversationID, "error", err)
		}
	}
}

// deliver runs the preSend stage and hands the envelope to its channel
// adapter. The envelope's own ChannelID decides delivery, so a hook that
// rebound the reply to another channel is honored here.
func (e *Engine) deliver(ctx context.Context, env envelope.Envelope) error {
	out := e.hooks.Dispatch(ctx, hooks.StagePreSend, env)
	if out.Rejected != nil {
		// Outbound rejection drops the reply; failure envelopes themselves
		// bypass hooks, so this cannot loop.
		e.logger.Warn("outbound envelope rejected",
			"envelope_id", env.ID,
			"plugin", out.Rejected.Plugin,
			"reason", out.Rejected.Reason)
		return nil
	}
	env = out.Envelope

	if err := e.send(ctx, env); err != nil {
		return err
	}
	if err := e.sessions.Admit(ctx, env.ConversationID, env); err != nil && !errors.Is(err, session.ErrClosed) {
		e.logger.Error("recording outbound envelope", "envelope_id", env.ID, "error", err)
	}
	return nil
}

// sendFailure delivers a system envelope describing an aborted action.
// Failures are never silently dropped and never pass through hooks.
func (e *Engine) sendFailure(ctx context.Context, channelID, conversationID, correlationID, kind, detail string) error {
	failure := envelope.Envelope{
		ID:             envelope.NewID(time.Now()),
		ChannelID:      channelID,
		ConversationID: conversationID,
		Direction:      envelope.DirectionOutbound,
		Sender:         "gateway",
		Timestamp:      time.Now(),
		Content: envelope.Content{
			Kind:   envelope.KindSystem,
			System: &envelope.SystemEvent{Kind: kind, Detail: detail},
		},
		CorrelationID: correlationID,
	}
	return e.send(ctx, failure)
}

func (e *Engine) send(ctx context.Context, env envelope.Envelope) error {
	raw, err := e.normalizer.DenormalizeOutbound(env.ChannelID, env)
	if err != nil {
		e.logger.Error("denormalizing outbound envelope", "envelope_id", env.ID, "error", err)
		return err
	}
	if err := e.adapters.Send(ctx, env.ChannelID, raw); err != nil {
		e.logger.Error("outbound delivery failed", "envelope_id", env.ID, "channel_id", env.ChannelID, "error", err)
		return err
	}
	return nil
}

// PauseSession suspends a session by explicit command.
func (e *Engine) PauseSession(ctx context.Context, conversationID string) error {
	return e.sessions.Pause(ctx, conversationID)
}

// ResumeSession reactivates a paused session and dispatches everything that
// was buffered, in arrival order.
func (e *Engine) ResumeSession(ctx context.Context, conversationID string) error {
	buffered, err := e.sessions.Resume(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, env := range buffered {
		if err := e.dispatch(ctx, env); err != nil {
			e.logger.Error("dispatching buffered envelope", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// CloseSession terminates a session.
func (e *Engine) CloseSession(ctx context.Context, conversationID string) error {
	return e.sessions.Close(ctx, conversationID)
}

// Recover loads persisted sessions and surfaces a failure envelope for
// every request that was in flight when the process stopped.
func (e *Engine) Recover(ctx context.Context) error {
	interrupted, err := e.sessions.Load(ctx)
	if err != nil {
		return err
	}
	for _, rec := range interrupted {
		if err := e.sendFailure(ctx, rec.ChannelBinding, rec.ConversationID, "", FailureRestart,
			"request "+rec.PendingRequestID+" was lost when the gateway restarted"); err != nil {
			e.logger.Warn("notifying interrupted session", "conversation_id", rec.ConversationID, "error", err)
		}
	}
	return nil
}

func rejectKind(rej *hooks.Rejection) string {
	if rej.Kind == hooks.RejectPluginFault {
		return FailurePluginFault
	}
	return FailureRejected
}

// textOf flattens an envelope's content into the text handed to the agent.
func textOf(env envelope.Envelope) string {
	switch env.Content.Kind {
	case envelope.KindText:
		return env.Content.Text
	case envelope.KindMedia:
		return env.Content.Media.Caption
	case envelope.KindSystem:
		return env.Content.System.Detail
	case envelope.KindToolCall:
		return env.Content.ToolCall.Name
	default:
		return ""
	}
}
