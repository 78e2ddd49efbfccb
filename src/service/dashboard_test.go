package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/socket/src/bridge"
	"github.com/pulseboard/socket/src/hub"
	"github.com/pulseboard/socket/src/types"
)

// scriptConn is a types.Conn whose inbound frames are fed by the test.
type scriptConn struct {
	mu      sync.Mutex
	written []types.Message
	reads   chan []byte
}

func newScriptConn() *scriptConn {
	return &scriptConn{reads: make(chan []byte, 16)}
}

func (c *scriptConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(types.Message))
	return nil
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	b, ok := <-c.reads
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (c *scriptConn) Close() error                    { return nil }
func (c *scriptConn) CloseWithCode(int, string) error { return nil }

func (c *scriptConn) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.reads <- raw
}

func (c *scriptConn) messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]types.Message, len(c.written))
	copy(cp, c.written)
	return cp
}

func (c *scriptConn) lastType() types.MessageType {
	msgs := c.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Type
}

// fakeBridge records subscriptions and publishes in memory.
type fakeBridge struct {
	mu        sync.Mutex
	up        bool
	subs      map[string]bridge.Callback
	published []publishedEvent
}

type publishedEvent struct {
	userID string
	event  types.MessageType
	data   map[string]any
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{up: true, subs: make(map[string]bridge.Callback)}
}

func (b *fakeBridge) Subscribe(userID string, cb bridge.Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[userID]; exists {
		return bridge.ErrAlreadySubscribed
	}
	b.subs[userID] = cb
	return nil
}

func (b *fakeBridge) Unsubscribe(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, userID)
	return nil
}

func (b *fakeBridge) Publish(_ context.Context, userID string, event types.MessageType, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{userID, event, data})
	return nil
}

func (b *fakeBridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *fakeBridge) Close() error { return nil }

func (b *fakeBridge) callback(userID string) bridge.Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[userID]
}

func (b *fakeBridge) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// fakeMetrics is an in-memory MetricsSource.
type fakeMetrics struct {
	mu          sync.Mutex
	payload     map[string]any
	invalidated []string
}

func (f *fakeMetrics) Fetch(_ context.Context, _ string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, nil
}

func (f *fakeMetrics) Invalidate(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
	return nil
}

func (f *fakeMetrics) invalidations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.invalidated))
	copy(cp, f.invalidated)
	return cp
}

func newTestDashboard(t *testing.T) (*Dashboard, *fakeBridge, *fakeMetrics) {
	t.Helper()
	manager := hub.NewManager(hub.NewDeduplicator(0, 0), zerolog.Nop())
	br := newFakeBridge()
	metrics := &fakeMetrics{payload: map[string]any{"completed": float64(3)}}
	return New(manager, br, metrics, zerolog.Nop()), br, metrics
}

// runConnection starts a connection lifecycle and returns a stop function
// that closes the inbound stream and waits for teardown.
func runConnection(t *testing.T, d *Dashboard, userID string) (*scriptConn, func()) {
	t.Helper()
	conn := newScriptConn()
	client := hub.NewClient(userID, conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.HandleConnection(context.Background(), client)
	}()

	// Wait for the welcome frames so tests start from a known state.
	require.Eventually(t, func() bool {
		return len(conn.messages()) >= 2
	}, time.Second, 5*time.Millisecond)

	return conn, func() {
		close(conn.reads)
		<-done
	}
}

func TestWelcomeFrames(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	msgs := conn.messages()
	assert.Equal(t, types.TypeConnectionEstablished, msgs[0].Type)
	assert.Equal(t, "u1", msgs[0].Data["user_id"])
	assert.Equal(t, types.TypeInitialMetrics, msgs[1].Type)
	assert.Equal(t, float64(3), msgs[1].Data["completed"])
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestPingRepliesPong(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	conn.send(t, map[string]any{"type": "ping"})

	assert.Eventually(t, func() bool {
		return conn.lastType() == types.TypePong
	}, time.Second, 5*time.Millisecond)
	assert.False(t, d.Stats().Users["u1"].Health.LastPong.IsZero())
}

func TestRefreshInvalidatesAndAcknowledges(t *testing.T) {
	d, _, metrics := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	conn.send(t, map[string]any{"type": "refresh"})

	assert.Eventually(t, func() bool {
		return conn.lastType() == types.TypeRefreshInitiated
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1"}, metrics.invalidations())
}

func TestGetMetricsRepliesUpdate(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	conn.send(t, map[string]any{"type": "get_metrics"})

	assert.Eventually(t, func() bool {
		msgs := conn.messages()
		return len(msgs) > 0 && msgs[len(msgs)-1].Type == types.TypeMetricsUpdate &&
			msgs[len(msgs)-1].Data["completed"] == float64(3)
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedInputIgnored(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	conn.reads <- []byte("this is not json")
	conn.send(t, map[string]any{"type": "made_up_type"})
	conn.send(t, map[string]any{"type": "ping"})

	// The connection survives both and still answers the ping.
	assert.Eventually(t, func() bool {
		return conn.lastType() == types.TypePong
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeSubscriptionLifecycle(t *testing.T) {
	d, br, _ := newTestDashboard(t)

	_, stop1 := runConnection(t, d, "u1")
	assert.Equal(t, 1, br.subscriberCount())

	// A second connection for the same user does not double-subscribe.
	_, stop2 := runConnection(t, d, "u1")
	assert.Equal(t, 1, br.subscriberCount())

	stop1()
	assert.Equal(t, 1, br.subscriberCount(), "still one connection left")

	stop2()
	assert.Eventually(t, func() bool {
		return br.subscriberCount() == 0
	}, time.Second, 5*time.Millisecond, "last disconnect unsubscribes")
}

func TestBridgeEventsReachConnections(t *testing.T) {
	d, br, _ := newTestDashboard(t)
	conn, stop := runConnection(t, d, "u1")
	defer stop()

	cb := br.callback("u1")
	require.NotNil(t, cb)
	cb(types.Message{Type: types.TypeFreshMetrics, Data: map[string]any{"action": "create", "entity_type": "session"}})

	assert.Eventually(t, func() bool {
		return conn.lastType() == types.TypeFreshMetrics
	}, time.Second, 5*time.Millisecond)
}

// gatedBridge stalls Unsubscribe until the gate opens, exposing the window
// between a departing connection's registry removal and its bridge
// teardown.
type gatedBridge struct {
	*fakeBridge
	unsubEntered chan struct{}
	unsubGate    chan struct{}
}

func (b *gatedBridge) Unsubscribe(userID string) error {
	b.unsubEntered <- struct{}{}
	<-b.unsubGate
	return b.fakeBridge.Unsubscribe(userID)
}

// A reconnect landing while the previous connection's unsubscribe is still
// in flight must end up with a live bridge subscription.
func TestSubscriptionSurvivesReconnectRace(t *testing.T) {
	manager := hub.NewManager(hub.NewDeduplicator(0, 0), zerolog.Nop())
	inner := newFakeBridge()
	gated := &gatedBridge{
		fakeBridge:   inner,
		unsubEntered: make(chan struct{}, 2),
		unsubGate:    make(chan struct{}),
	}
	d := New(manager, gated, &fakeMetrics{payload: map[string]any{}}, zerolog.Nop())

	_, stopA := runConnection(t, d, "u1")

	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		stopA()
	}()
	<-gated.unsubEntered // A is parked inside Unsubscribe

	// B reconnects while A's teardown is pending.
	connB := newScriptConn()
	clientB := hub.NewClient("u1", connB)
	doneB := make(chan struct{})
	go func() {
		defer close(doneB)
		d.HandleConnection(context.Background(), clientB)
	}()

	close(gated.unsubGate)
	<-doneA

	require.Eventually(t, func() bool {
		return len(connB.messages()) >= 2
	}, time.Second, 5*time.Millisecond)

	// B holds both an open socket and a bridge subscription.
	assert.Equal(t, 1, manager.UserConnectionCount("u1"))
	require.Equal(t, 1, inner.subscriberCount())
	cb := inner.callback("u1")
	require.NotNil(t, cb)

	cb(types.Message{Type: types.TypeFreshMetrics, Data: map[string]any{"action": "create", "entity_type": "session"}})
	assert.Eventually(t, func() bool {
		return connB.lastType() == types.TypeFreshMetrics
	}, time.Second, 5*time.Millisecond)

	close(connB.reads)
	<-doneB
	assert.Equal(t, 0, inner.subscriberCount())
}

func TestPublishGoesThroughBridge(t *testing.T) {
	d, br, _ := newTestDashboard(t)

	err := d.PublishUserEvent(context.Background(), "u1", types.TypeDashboardUpdate,
		map[string]any{"action": "create", "entity_type": "todo"})
	require.NoError(t, err)

	br.mu.Lock()
	defer br.mu.Unlock()
	require.Len(t, br.published, 1)
	assert.Equal(t, "u1", br.published[0].userID)
	assert.Equal(t, types.TypeDashboardUpdate, br.published[0].event)
}

func TestPublishFallsBackToLocalWithoutBridge(t *testing.T) {
	manager := hub.NewManager(hub.NewDeduplicator(0, 0), zerolog.Nop())
	d := New(manager, nil, &fakeMetrics{payload: map[string]any{}}, zerolog.Nop())

	conn, stop := runConnection(t, d, "u1")
	defer stop()

	err := d.PublishUserEvent(context.Background(), "u1", types.TypeCacheInvalidate, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return conn.lastType() == types.TypeCacheInvalidate
	}, time.Second, 5*time.Millisecond)
}
