// ABOUTME: Sequential dispatch of one envelope through a stage's plugins
// ABOUTME: A panicking or erroring plugin rejects that envelope only, never the gateway

package hooks

import (
	"context"
	"fmt"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// Outcome is the result of running one envelope through one stage.
// Exactly one of the three shapes applies: transformed envelope (the normal
// case), a short-circuit Reply, or a Rejection.
type Outcome struct {
	Envelope envelope.Envelope
	Reply    *envelope.Envelope
	Rejected *Rejection
}

// Dispatch runs the envelope through every enabled plugin subscribed to the
// stage, strictly in ascending priority order. The plugin set is snapshotted
// at dispatch start, so concurrent enable/disable never affects this envelope.
func (r *Registry) Dispatch(ctx context.Context, stage Stage, env envelope.Envelope) Outcome {
	for _, p := range r.snapshot(stage) {
		res, err := r.runOne(ctx, p, stage, env)
		if err != nil {
			r.logger.Warn("plugin fault",
				"plugin", p.Name(),
				"stage", stage,
				"envelope_id", env.ID,
				"error", err,
			)
			return Outcome{Envelope: env, Rejected: &Rejection{
				Kind:   RejectPluginFault,
				Plugin: p.Name(),
				Reason: err.Error(),
			}}
		}
		if res.Reject != nil {
			rej := *res.Reject
			if rej.Kind == "" {
				rej.Kind = RejectPolicy
			}
			if rej.Plugin == "" {
				rej.Plugin = p.Name()
			}
			return Outcome{Envelope: env, Rejected: &rej}
		}
		if res.Reply != nil {
			return Outcome{Envelope: env, Reply: res.Reply}
		}
		if res.Transformed {
			env = res.Envelope
		}
	}
	return Outcome{Envelope: env}
}

// runOne executes a single plugin with panic containment.
func (r *Registry) runOne(ctx context.Context, p Plugin, stage Stage, env envelope.Envelope) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin panic: %v", rec)
		}
	}()
	return p.Run(ctx, stage, env)
}
