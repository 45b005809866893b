// ABOUTME: Deterministic history compaction into a synthetic summary envelope
// ABOUTME: Pure function of (history, bound), no clock or randomness

package session

import (
	"fmt"
	"strings"

	"github.com/emberhq/ember-gateway/internal/envelope"
)

// Compact reduces a history to at most bound envelopes by merging the oldest
// entries into one synthetic summary envelope that keeps their order
// position. A bound of zero or one collapses the whole history into a single
// summary. Lossy, and deterministic: the same history and bound always
// produce the same result.
func Compact(history []envelope.Envelope, bound int) []envelope.Envelope {
	if len(history) == 0 || len(history) <= bound {
		return history
	}

	keep := bound - 1
	if keep < 0 {
		keep = 0
	}
	merged := history[:len(history)-keep]
	summary := summarize(merged)

	out := make([]envelope.Envelope, 0, keep+1)
	out = append(out, summary)
	out = append(out, history[len(history)-keep:]...)
	return out
}

// summarize folds envelopes into one system-event envelope. The summary
// inherits the oldest envelope's channel, conversation, and timestamp so it
// sorts into the position the merged entries occupied.
func summarize(envs []envelope.Envelope) envelope.Envelope {
	oldest := envs[0]

	var lines []string
	for _, env := range envs {
		lines = append(lines, lineFor(env))
	}

	return envelope.Envelope{
		ID:             "summary-" + oldest.ID,
		ChannelID:      oldest.ChannelID,
		ConversationID: oldest.ConversationID,
		Direction:      oldest.Direction,
		Sender:         "gateway",
		Timestamp:      oldest.Timestamp,
		Content: envelope.Content{
			Kind: envelope.KindSystem,
			System: &envelope.SystemEvent{
				Kind:   "history_summary",
				Detail: fmt.Sprintf("%d earlier messages: %s", len(envs), strings.Join(lines, " | ")),
			},
		},
	}
}

func lineFor(env envelope.Envelope) string {
	switch env.Content.Kind {
	case envelope.KindText:
		return env.Sender + ": " + env.Content.Text
	case envelope.KindMedia:
		return env.Sender + ": [media " + env.Content.Media.ID + "]"
	case envelope.KindToolCall:
		return env.Sender + ": [tool " + env.Content.ToolCall.Name + "]"
	case envelope.KindSystem:
		return "[" + env.Content.System.Kind + "]"
	default:
		return env.Sender + ": [" + string(env.Content.Kind) + "]"
	}
}
