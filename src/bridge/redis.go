package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulseboard/socket/metrics"
	"github.com/pulseboard/socket/src/types"
)

// envelope is the wire shape of a published dashboard event. A subscriber
// does not skip events published by its own instance: the HTTP handler and
// the live socket often share a process, and the manager's deduplicator
// absorbs the direct-call/echo pair.
type envelope struct {
	Event types.MessageType `json:"event"`
	Data  map[string]any    `json:"data,omitempty"`
}

// subscription tracks one user's listener goroutine.
type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisBridge routes per-user dashboard events between instances over Redis
// pub/sub.
type RedisBridge struct {
	client     *redis.Client
	prefix     string
	instanceID string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[string]*subscription
	active bool
}

// NewRedisBridge creates a bridge backed by Redis pub/sub.
func NewRedisBridge(cfg *RedisConfig) *RedisBridge {
	return newRedisBridge(cfg, zerolog.Nop())
}

// NewRedisBridgeWithLogger creates a bridge with the given logger.
func NewRedisBridgeWithLogger(cfg *RedisConfig, logger zerolog.Logger) *RedisBridge {
	return newRedisBridge(cfg, logger)
}

func newRedisBridge(cfg *RedisConfig, logger zerolog.Logger) *RedisBridge {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	return &RedisBridge{
		client:     client,
		prefix:     cfg.Prefix,
		instanceID: uuid.New().String(),
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
	}
}

// Start verifies the Redis connection and marks the bridge operational.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.logger.Info().Str("instance_id", b.instanceID).Msg("redis bridge started")
	return nil
}

// Subscribe opens the user's channel and forwards every published event to
// cb. A second Subscribe for the same user before Unsubscribe returns
// ErrAlreadySubscribed rather than leaking the first listener.
func (b *RedisBridge) Subscribe(userID string, cb Callback) error {
	b.mu.Lock()
	if _, exists := b.subs[userID]; exists {
		b.mu.Unlock()
		return ErrAlreadySubscribed
	}
	b.mu.Unlock()

	channel := b.channelFor(userID)
	pubsub := b.client.Subscribe(b.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := pubsub.Receive(b.ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	ctx, cancel := context.WithCancel(b.ctx)
	sub := &subscription{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.subs[userID]; exists {
		b.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return ErrAlreadySubscribed
	}
	b.subs[userID] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(ctx, sub, userID, cb)

	b.logger.Debug().Str("user_id", userID).Str("channel", channel).Msg("subscribed")
	return nil
}

// Unsubscribe cancels the user's listener and closes the channel
// subscription. No-op if none exists.
func (b *RedisBridge) Unsubscribe(userID string) error {
	b.mu.Lock()
	sub, ok := b.subs[userID]
	if ok {
		delete(b.subs, userID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	sub.cancel()
	err := sub.pubsub.Close()
	<-sub.done

	b.logger.Debug().Str("user_id", userID).Msg("unsubscribed")
	return err
}

// Publish sends an event to the user's channel. Delivery is best-effort:
// if no instance is subscribed the event is dropped by Redis.
func (b *RedisBridge) Publish(ctx context.Context, userID string, event types.MessageType, data map[string]any) error {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channelFor(userID), payload).Err(); err != nil {
		return err
	}
	metrics.BridgePublished.Inc()
	return nil
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Close tears down every subscription and the Redis connection.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	b.active = false
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// listen forwards events from one user's channel until cancelled.
func (b *RedisBridge) listen(ctx context.Context, sub *subscription, userID string, cb Callback) {
	defer b.wg.Done()
	defer close(sub.done)

	ch := sub.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(userID, msg.Payload, cb)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch decodes a published envelope and hands it to the callback.
func (b *RedisBridge) dispatch(userID, payload string, cb Callback) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error().Err(err).Str("user_id", userID).Msg("failed to decode bridge event")
		return
	}
	metrics.BridgeReceived.Inc()
	cb(types.Message{Type: env.Event, Data: env.Data})
}

// channelFor names the user's event channel.
func (b *RedisBridge) channelFor(userID string) string {
	return b.prefix + "dashboard_updates:" + userID
}
