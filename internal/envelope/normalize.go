// ABOUTME: Normalizer converts raw channel payloads to and from canonical envelopes
// ABOUTME: Pure and side-effect-free; malformed input fails, it is never retried here

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload indicates a raw payload that cannot be normalized.
// The adapter boundary decides whether to drop or quarantine it.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrUnknownChannel indicates no codec is registered for the channel.
var ErrUnknownChannel = errors.New("unknown channel")

// Codec translates one channel's raw payloads to and from envelope fields.
// Implementations must be pure: no I/O, no retries, no mutation of inputs.
type Codec interface {
	Decode(raw []byte) (*Envelope, error)
	Encode(env Envelope) ([]byte, error)
}

// Normalizer holds per-channel codecs. Channels without a registered codec
// fall back to the generic JSON codec.
type Normalizer struct {
	codecs   map[string]Codec
	fallback Codec
}

// NewNormalizer creates a Normalizer with the generic JSON codec as fallback.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		codecs:   make(map[string]Codec),
		fallback: JSONCodec{},
	}
}

// Register installs a codec for a channel id. Called at startup, before any
// traffic flows; not safe for concurrent use with Normalize.
func (n *Normalizer) Register(channelID string, codec Codec) {
	n.codecs[channelID] = codec
}

func (n *Normalizer) codecFor(channelID string) Codec {
	if c, ok := n.codecs[channelID]; ok {
		return c
	}
	return n.fallback
}

// NormalizeInbound converts a raw channel payload into a canonical envelope.
// Returns ErrMalformedPayload (wrapped) when required fields cannot be extracted.
func (n *Normalizer) NormalizeInbound(channelID string, raw []byte) (Envelope, error) {
	env, err := n.codecFor(channelID).Decode(raw)
	if err != nil {
		return Envelope{}, err
	}
	env.ChannelID = channelID
	env.Direction = DirectionInbound
	if env.ID == "" {
		env.ID = NewID(env.Timestamp)
	}
	return *env, nil
}

// DenormalizeOutbound converts a canonical envelope back into the channel's
// raw payload form.
func (n *Normalizer) DenormalizeOutbound(channelID string, env Envelope) ([]byte, error) {
	return n.codecFor(channelID).Encode(env)
}

// wirePayload is the generic JSON wire form used by channels without a
// dedicated codec. Field set is the round-trip contract for text and media.
type wirePayload struct {
	ID             string       `json:"id,omitempty"`
	ConversationID string       `json:"conversation_id"`
	Sender         string       `json:"sender"`
	Timestamp      time.Time    `json:"timestamp"`
	Kind           ContentKind  `json:"kind"`
	Text           string       `json:"text,omitempty"`
	Media          *MediaRef    `json:"media,omitempty"`
	System         *SystemEvent `json:"system,omitempty"`
	ToolCall       *ToolCall    `json:"tool_call,omitempty"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
}

// JSONCodec is the generic codec for channels that speak the canonical JSON
// wire form directly.
type JSONCodec struct{}

// Decode parses the generic JSON wire form.
func (JSONCodec) Decode(raw []byte) (*Envelope, error) {
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrMalformedPayload)
	}
	if p.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedPayload)
	}
	content, err := contentFromWire(&p)
	if err != nil {
		return nil, err
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &Envelope{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Timestamp:      ts,
		Content:        content,
		CorrelationID:  p.CorrelationID,
	}, nil
}

// Encode renders the generic JSON wire form.
func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	p := wirePayload{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Sender:         env.Sender,
		Timestamp:      env.Timestamp,
		Kind:           env.Content.Kind,
		Text:           env.Content.Text,
		Media:          env.Content.Media,
		System:         env.Content.System,
		ToolCall:       env.Content.ToolCall,
		CorrelationID:  env.CorrelationID,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

func contentFromWire(p *wirePayload) (Content, error) {
	switch p.Kind {
	case KindText:
		return Content{Kind: KindText, Text: p.Text}, nil
	case KindMedia:
		if p.Media == nil || p.Media.ID == "" {
			return Content{}, fmt.Errorf("%w: media payload without media reference", ErrMalformedPayload)
		}
		return Content{Kind: KindMedia, Media: p.Media}, nil
	case KindSystem:
		if p.System == nil {
			return Content{}, fmt.Errorf("%w: system payload without event", ErrMalformedPayload)
		}
		return Content{Kind: KindSystem, System: p.System}, nil
	case KindToolCall:
		if p.ToolCall == nil {
			return Content{}, fmt.Errorf("%w: tool_call payload without call", ErrMalformedPayload)
		}
		return Content{Kind: KindToolCall, ToolCall: p.ToolCall}, nil
	default:
		return Content{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, p.Kind)
	}
}
