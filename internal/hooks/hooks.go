// ABOUTME: Hook stage and plugin contracts for the middleware pipeline
// ABOUTME: Plugins observe or transform envelopes at four fixed extension points

package hooks

import (
	"context"
	"errors"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// Stage identifies one of the pipeline's extension points.
type Stage string

const (
	StagePreRoute  Stage = "preRoute"
	StagePreAgent  Stage = "preAgent"
	StagePostAgent Stage = "postAgent"
	StagePreSend   Stage = "preSend"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{StagePreRoute, StagePreAgent, StagePostAgent, StagePreSend}

// RejectKind categorizes why a plugin rejected an envelope.
type RejectKind string

const (
	// RejectPolicy is an explicit rejection by plugin logic.
	RejectPolicy RejectKind = "policy"
	// RejectPluginFault means the plugin itself failed; the envelope is
	// rejected but the pipeline keeps serving other envelopes.
	RejectPluginFault RejectKind = "plugin_fault"
)

// Rejection aborts the remaining stages for one envelope.
type Rejection struct {
	Kind   RejectKind
	Plugin string
	Reason string
}

// Result is what a plugin returns for one envelope at one stage.
// Zero value means "pass through unchanged".
type Result struct {
	// Envelope replaces the pipeline value when Transformed is true.
	Envelope    envelope.Envelope
	Transformed bool

	// Reply short-circuits the pipeline: the envelope is answered directly
	// without invoking the agent.
	Reply *envelope.Envelope

	// Reject aborts the pipeline for this envelope with a reason.
	Reject *Rejection
}

// Plugin is middleware registered with the gateway for its lifetime.
// Run must be safe for concurrent calls across different envelopes; within
// one envelope the pipeline is strictly sequential.
type Plugin interface {
	Name() string
	Stages() []Stage
	Run(ctx context.Context, stage Stage, env envelope.Envelope) (Result, error)
}

var (
	// ErrPluginAlreadyRegistered indicates a duplicate plugin name.
	ErrPluginAlreadyRegistered = errors.New("plugin already registered")

	// ErrPluginNotFound indicates the named plugin is not registered.
	ErrPluginNotFound = errors.New("plugin not found")
)
