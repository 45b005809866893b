// ABOUTME: Channel adapter boundary and registry
// ABOUTME: Adapters are external at-least-once sources; the kernel holds only handles

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownChannel is returned when no adapter owns a channel id.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrAlreadyRegistered is returned when a channel id is claimed twice.
	ErrAlreadyRegistered = errors.New("channel already registered")
)

// Adapter is the delivery side of one channel connection. Implementations
// live outside the kernel (one per chat platform); the kernel only hands
// them denormalized payloads. Adapters are at-least-once sources and are not
// assumed to deduplicate.
type Adapter interface {
	// Send delivers a raw outbound payload on the channel. An error means
	// delivery failed; the kernel surfaces it, it does not retry.
	Send(ctx context.Context, channelID string, raw []byte) error
}

// Registry maps channel ids to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register claims a channel id for an adapter.
func (r *Registry) Register(channelID string, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[channelID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, channelID)
	}
	r.adapters[channelID] = a
	return nil
}

// Unregister releases a channel id.
func (r *Registry) Unregister(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, channelID)
}

// Send routes a raw payload to the adapter owning the channel.
func (r *Registry) Send(ctx context.Context, channelID string, raw []byte) error {
	r.mu.RLock()
	a, ok := r.adapters[channelID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return a.Send(ctx, channelID, raw)
}

// Channels lists the registered channel ids.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		channels = append(channels, id)
	}
	return channels
}
