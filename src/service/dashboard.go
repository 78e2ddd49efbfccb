// Package service wires the connection manager, pub/sub bridge, and the
// external metrics collaborator into the dashboard channel behavior.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseboard/socket/src/bridge"
	"github.com/pulseboard/socket/src/hub"
	"github.com/pulseboard/socket/src/types"
)

// MetricsSource produces and invalidates the dashboard metrics payloads.
// The payload is treated as an opaque JSON-safe value.
type MetricsSource interface {
	Fetch(ctx context.Context, userID string) (map[string]any, error)
	Invalidate(ctx context.Context, userID string) error
}

// Dashboard is the high-level API of the broadcast layer. Route handlers
// hand it accepted connections; mutation handlers hand it events to
// publish.
type Dashboard struct {
	manager *hub.Manager
	bridge  bridge.Bridge
	metrics MetricsSource
	logger  zerolog.Logger

	// subMu makes the per-user refcount check and the bridge call one
	// atomic step, so a reconnect racing the previous connection's
	// teardown cannot observe the old subscription and give up, nor have
	// its fresh subscription torn down by the departing goroutine.
	subMu   sync.Mutex
	subRefs map[string]int
}

// New creates the dashboard service. bridge and metrics may be nil: without
// a bridge events publish straight to local connections (standalone mode),
// without a metrics source the metrics message types are skipped.
func New(manager *hub.Manager, b bridge.Bridge, metrics MetricsSource, logger zerolog.Logger) *Dashboard {
	return &Dashboard{
		manager: manager,
		bridge:  b,
		metrics: metrics,
		logger:  logger.With().Str("component", "dashboard").Logger(),
		subRefs: make(map[string]int),
	}
}

// Stats returns a snapshot of the manager's counters.
func (d *Dashboard) Stats() hub.StatsSnapshot { return d.manager.Stats() }

// HandleConnection runs the full lifecycle of one accepted connection:
// registration, bridge subscription, welcome frames, the inbound read loop,
// and teardown. It blocks until the connection closes.
func (d *Dashboard) HandleConnection(ctx context.Context, c *hub.Client) {
	d.manager.Connect(c)
	d.acquireSubscription(c.UserID)

	d.sendWelcome(ctx, c)
	d.readLoop(ctx, c)

	d.manager.Disconnect(c)
	d.releaseSubscription(c.UserID)
}

// PublishUserEvent routes an event toward whichever instance holds the
// user's live socket. Without a bridge it delivers locally.
func (d *Dashboard) PublishUserEvent(ctx context.Context, userID string, event types.MessageType, data map[string]any) error {
	if d.bridge != nil && d.bridge.Available() {
		return d.bridge.Publish(ctx, userID, event, data)
	}
	d.manager.BroadcastToUser(userID, types.Message{Type: event, Data: data})
	return nil
}

// acquireSubscription counts one more local connection for the user and,
// on the first, opens the user's bridge channel forwarding its events into
// the local manager.
func (d *Dashboard) acquireSubscription(userID string) {
	if d.bridge == nil {
		return
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.subRefs[userID]++
	if d.subRefs[userID] > 1 || !d.bridge.Available() {
		return
	}
	err := d.bridge.Subscribe(userID, func(msg types.Message) {
		d.manager.BroadcastToUser(userID, msg)
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("bridge subscribe failed")
	}
}

// releaseSubscription drops one connection from the user's refcount and
// tears down the bridge subscription when the last one departs.
func (d *Dashboard) releaseSubscription(userID string) {
	if d.bridge == nil {
		return
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()

	switch n := d.subRefs[userID]; {
	case n == 0:
		return
	case n > 1:
		d.subRefs[userID] = n - 1
	default:
		delete(d.subRefs, userID)
		if err := d.bridge.Unsubscribe(userID); err != nil {
			d.logger.Warn().Err(err).Str("user_id", userID).Msg("unsubscribe failed")
		}
	}
}

// sendWelcome delivers the connection acknowledgment and the initial
// metrics snapshot to the new connection only.
func (d *Dashboard) sendWelcome(ctx context.Context, c *hub.Client) {
	ack := types.Message{
		Type:      types.TypeConnectionEstablished,
		Data:      map[string]any{"user_id": c.UserID},
		Timestamp: time.Now().UTC(),
	}
	if err := c.Send(ack); err != nil {
		d.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("welcome send failed")
		return
	}

	if d.metrics == nil {
		return
	}
	payload, err := d.metrics.Fetch(ctx, c.UserID)
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", c.UserID).Msg("initial metrics fetch failed")
		return
	}
	initial := types.Message{
		Type:      types.TypeInitialMetrics,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
	if err := c.Send(initial); err != nil {
		d.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("initial metrics send failed")
	}
}

// readLoop consumes inbound frames until the transport fails. Malformed
// JSON is logged and ignored; the connection stays open.
func (d *Dashboard) readLoop(ctx context.Context, c *hub.Client) {
	for {
		raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		var msg types.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.logger.Warn().
				Str("user_id", c.UserID).
				Int("bytes", len(raw)).
				Msg("ignoring non-JSON payload")
			continue
		}
		if !d.safeHandle(ctx, c, msg) {
			return
		}
	}
}

// safeHandle dispatches one message, converting a panicking handler into a
// coded close of this connection instead of a crashed read loop.
func (d *Dashboard) safeHandle(ctx context.Context, c *hub.Client, msg types.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("user_id", c.UserID).
				Str("type", string(msg.Type)).
				Msg("message handler panicked")
			_ = c.CloseWithCode(types.CloseInternalError, "internal error")
			ok = false
		}
	}()
	d.handleClientMessage(ctx, c, msg)
	return true
}

// handleClientMessage dispatches one recognized inbound message. Unknown
// types are logged and dropped.
func (d *Dashboard) handleClientMessage(ctx context.Context, c *hub.Client, msg types.Message) {
	switch msg.Type {
	case types.TypePing:
		d.manager.RecordPong(c.UserID)
		d.reply(c, types.Message{Type: types.TypePong})

	case types.TypePong:
		d.manager.RecordPong(c.UserID)

	case types.TypeRefresh:
		if d.metrics != nil {
			if err := d.metrics.Invalidate(ctx, c.UserID); err != nil {
				d.logger.Error().Err(err).Str("user_id", c.UserID).Msg("cache invalidation failed")
			}
		}
		d.reply(c, types.Message{Type: types.TypeRefreshInitiated})

	case types.TypeGetMetrics:
		if d.metrics == nil {
			return
		}
		payload, err := d.metrics.Fetch(ctx, c.UserID)
		if err != nil {
			d.logger.Error().Err(err).Str("user_id", c.UserID).Msg("metrics fetch failed")
			return
		}
		d.reply(c, types.Message{Type: types.TypeMetricsUpdate, Data: payload})

	default:
		d.logger.Debug().
			Str("user_id", c.UserID).
			Str("type", string(msg.Type)).
			Msg("unrecognized message type")
	}
}

// reply sends a direct response on one connection, stamping the timestamp.
func (d *Dashboard) reply(c *hub.Client, msg types.Message) {
	msg.Timestamp = time.Now().UTC()
	if err := c.Send(msg); err != nil {
		d.logger.Warn().Err(err).Str("user_id", c.UserID).Msg("reply send failed")
	}
}
