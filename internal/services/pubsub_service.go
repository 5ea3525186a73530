package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"courier/internal/models"

	"github.com/redis/go-redis/v9"
)

// Relay channels
const (
	ChannelToExecutor   = "toExecutor"
	ChannelFromExecutor = "fromExecutor"
)

// EnvelopeHandler is a callback for relayed envelopes
type EnvelopeHandler func(ctx context.Context, env *models.Envelope)

// Relay is the fire-and-forget pub/sub between gateways and workers.
// Every process subscribed to a channel sees every envelope on it once.
type Relay interface {
	Publish(ctx context.Context, channel string, env *models.Envelope) error
	Subscribe(channel string, handler EnvelopeHandler)
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error
}

// ErrRelayNotStarted is returned by Publish before Start
var ErrRelayNotStarted = errors.New("relay not started")

// RedisRelay relays envelopes over Redis pub/sub for cross-instance delivery
type RedisRelay struct {
	redis    *RedisService
	prefix   string
	pubsub   *redis.PubSub
	handlers map[string][]EnvelopeHandler
	mu       sync.RWMutex
	metrics  *Metrics
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRedisRelay creates a new Redis-backed relay
func NewRedisRelay(redisService *RedisService, prefix string, metrics *Metrics) *RedisRelay {
	if prefix == "" {
		prefix = "courier"
	}
	return &RedisRelay{
		redis:    redisService,
		prefix:   prefix,
		handlers: make(map[string][]EnvelopeHandler),
		metrics:  metrics,
	}
}

func (s *RedisRelay) redisChannel(channel string) string {
	return s.prefix + ":" + channel
}

// Subscribe registers a handler; call before Start
func (s *RedisRelay) Subscribe(channel string, handler EnvelopeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[channel] = append(s.handlers[channel], handler)
	log.Printf("📡 [RELAY] Subscribed to channel: %s", channel)
}

// Start subscribes to every channel that has handlers and begins dispatching
func (s *RedisRelay) Start(ctx context.Context) error {
	s.mu.RLock()
	channels := make([]string, 0, len(s.handlers))
	for channel := range s.handlers {
		channels = append(channels, s.redisChannel(channel))
	}
	s.mu.RUnlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if len(channels) == 0 {
		close(s.done)
		log.Println("✅ [RELAY] Started in publish-only mode")
		return nil
	}

	s.pubsub = s.redis.Client().Subscribe(s.ctx, channels...)

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		s.pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay channels: %w", err)
	}

	go s.processMessages()

	log.Printf("✅ [RELAY] Listening on %s", strings.Join(channels, ", "))
	return nil
}

// processMessages dispatches in arrival order so progress precedes completion
func (s *RedisRelay) processMessages() {
	defer close(s.done)
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *RedisRelay) handleMessage(msg *redis.Message) {
	channel := strings.TrimPrefix(msg.Channel, s.prefix+":")

	var env models.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		log.Printf("⚠️ [RELAY] Dropping undecodable envelope on %s: %v", channel, err)
		return
	}
	s.metrics.ObserveEnvelope(channel, "received", env.Type())

	s.mu.RLock()
	handlers := append([]EnvelopeHandler(nil), s.handlers[channel]...)
	s.mu.RUnlock()

	for _, handler := range handlers {
		dispatchEnvelope(s.ctx, channel, handler, &env)
	}
}

// Publish serializes the envelope and publishes it
func (s *RedisRelay) Publish(ctx context.Context, channel string, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := s.redis.Client().Publish(ctx, s.redisChannel(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	s.metrics.ObserveEnvelope(channel, "published", env.Type())
	return nil
}

// Ping checks the underlying connection
func (s *RedisRelay) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx)
}

// Stop stops the relay
func (s *RedisRelay) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	var err error
	if s.pubsub != nil {
		err = s.pubsub.Close()
	}
	<-s.done
	return err
}

// dispatchEnvelope runs one handler, isolating panics from the dispatch loop
func dispatchEnvelope(ctx context.Context, channel string, handler EnvelopeHandler, env *models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [RELAY] Handler on %s panicked for %s: %v", channel, env.MessageID, r)
		}
	}()
	handler(ctx, env)
}
