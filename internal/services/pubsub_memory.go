package services

import (
	"context"
	"sync"

	"courier/internal/models"
)

// MemoryRelay is a single-process relay. Handlers run on the publisher's
// goroutine, in subscription order.
type MemoryRelay struct {
	handlers map[string][]EnvelopeHandler
	mu       sync.RWMutex
	metrics  *Metrics
	ctx      context.Context
	started  bool
}

// NewMemoryRelay creates an in-process relay
func NewMemoryRelay(metrics *Metrics) *MemoryRelay {
	return &MemoryRelay{
		handlers: make(map[string][]EnvelopeHandler),
		metrics:  metrics,
		ctx:      context.Background(),
	}
}

// Subscribe registers a handler
func (r *MemoryRelay) Subscribe(channel string, handler EnvelopeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = append(r.handlers[channel], handler)
}

// Start enables delivery; envelopes published before Start are dropped
func (r *MemoryRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.started = true
	return nil
}

// Publish delivers env to every handler on channel
func (r *MemoryRelay) Publish(_ context.Context, channel string, env *models.Envelope) error {
	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		return ErrRelayNotStarted
	}
	ctx := r.ctx
	handlers := append([]EnvelopeHandler(nil), r.handlers[channel]...)
	r.mu.RUnlock()

	r.metrics.ObserveEnvelope(channel, "published", env.Type())

	// Each subscriber gets its own copy, as it would after a wire round trip
	for _, handler := range handlers {
		clone := *env
		dispatchEnvelope(ctx, channel, handler, &clone)
	}
	return nil
}

// Ping always succeeds
func (r *MemoryRelay) Ping(context.Context) error { return nil }

// Stop disables delivery
func (r *MemoryRelay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}
