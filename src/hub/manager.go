package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseboard/socket/metrics"
	"github.com/pulseboard/socket/src/types"
)

// Manager owns every live dashboard connection on this instance. It fans
// messages out to all of a user's open sockets, suppresses near-duplicate
// sends, replays the last qualifying message on reconnect, and tracks
// per-user health plus process-wide counters.
//
// All shared state is guarded by mu; sockets are never written while the
// lock is held.
type Manager struct {
	mu       sync.Mutex
	registry map[string][]*Client
	health   map[string]*HealthRecord
	lastMsg  map[string]types.Message
	dedup    *Deduplicator

	totalConnections  int64
	activeConnections int
	messagesSent      int64
	errors            int64
	reconnections     int64

	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a connection manager using the given deduplicator.
func NewManager(dedup *Deduplicator, logger zerolog.Logger) *Manager {
	return &Manager{
		registry: make(map[string][]*Client),
		health:   make(map[string]*HealthRecord),
		lastMsg:  make(map[string]types.Message),
		dedup:    dedup,
		logger:   logger.With().Str("component", "ws-manager").Logger(),
		now:      time.Now,
	}
}

// Connect registers an accepted connection under its user and replays the
// user's last qualifying message to the new socket. Returns the number of
// connections the user now has on this instance.
func (m *Manager) Connect(c *Client) int {
	m.mu.Lock()
	m.registry[c.UserID] = append(m.registry[c.UserID], c)
	count := len(m.registry[c.UserID])
	m.totalConnections++
	m.recomputeActive()
	if m.health[c.UserID] == nil {
		m.health[c.UserID] = &HealthRecord{}
	}
	last, hasLast := m.lastMsg[c.UserID]
	if hasLast {
		m.reconnections++
		m.health[c.UserID].Reconnections++
	}
	m.mu.Unlock()

	metrics.TotalConnections.Inc()
	if hasLast {
		metrics.Reconnections.Inc()
		if err := c.Send(last); err != nil {
			m.logger.Error().Err(err).
				Str("user_id", c.UserID).
				Str("client_id", c.ID).
				Msg("last message replay failed")
			m.recordError(c.UserID, 1)
		}
	}

	m.logger.Info().
		Str("user_id", c.UserID).
		Str("client_id", c.ID).
		Int("connections", count).
		Msg("client connected")
	return count
}

// Disconnect removes a connection from its user's set. Removing a handle
// that was already removed is a no-op. Returns the number of connections
// the user still has on this instance.
func (m *Manager) Disconnect(c *Client) int {
	m.mu.Lock()
	remaining := m.removeLocked(c.UserID, c)
	m.mu.Unlock()

	_ = c.Close()
	m.logger.Info().
		Str("user_id", c.UserID).
		Str("client_id", c.ID).
		Int("remaining", remaining).
		Msg("client disconnected")
	return remaining
}

// BroadcastToUser delivers one message to every open connection the user
// has on this instance. Users with no connections are skipped silently.
// Near-duplicate messages inside the dedup window are suppressed.
func (m *Manager) BroadcastToUser(userID string, msg types.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	conns := m.registry[userID]
	if len(conns) == 0 {
		m.mu.Unlock()
		return
	}
	snapshot := make([]*Client, len(conns))
	copy(snapshot, conns)
	m.mu.Unlock()

	if m.dedup.IsDuplicate(userID, msg, msg.Type.ActionTriggered()) {
		metrics.DedupSuppressed.Inc()
		m.logger.Debug().
			Str("user_id", userID).
			Str("type", string(msg.Type)).
			Msg("duplicate suppressed")
		return
	}

	m.mu.Lock()
	if msg.Type.Replayable() {
		m.lastMsg[userID] = msg
	}
	if msg.Type == types.TypePing {
		if h := m.health[userID]; h != nil {
			h.LastPing = msg.Timestamp
		}
	}
	m.mu.Unlock()

	var failed []*Client
	sent := 0
	for _, c := range snapshot {
		if err := c.Send(msg); err != nil {
			failed = append(failed, c)
			m.logger.Warn().Err(err).
				Str("user_id", userID).
				Str("client_id", c.ID).
				Msg("send failed, pruning connection")
			continue
		}
		sent++
	}

	if sent > 0 {
		m.mu.Lock()
		m.messagesSent += int64(sent)
		m.mu.Unlock()
		metrics.MessagesSent.Add(float64(sent))
	}
	if len(failed) > 0 {
		m.recordError(userID, len(failed))
		m.mu.Lock()
		for _, c := range failed {
			m.removeLocked(userID, c)
		}
		m.mu.Unlock()
		for _, c := range failed {
			_ = c.Close()
		}
	}
}

// BroadcastToAll sends a message to every user registered at call time.
// Users connecting after the snapshot is taken are not included.
func (m *Manager) BroadcastToAll(msg types.Message) {
	m.mu.Lock()
	users := make([]string, 0, len(m.registry))
	for userID := range m.registry {
		users = append(users, userID)
	}
	m.mu.Unlock()

	for _, userID := range users {
		m.BroadcastToUser(userID, msg)
	}
}

// SendPing broadcasts a keep-alive probe to every connected user.
func (m *Manager) SendPing() {
	metrics.PingsSent.Inc()
	m.BroadcastToAll(types.Message{
		Type:      types.TypePing,
		Timestamp: m.now().UTC(),
	})
}

// RecordPong notes that the user answered a liveness probe.
func (m *Manager) RecordPong(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.health[userID]; h != nil {
		h.LastPong = m.now().UTC()
	}
}

// UserConnectionCount returns how many connections the user currently has.
func (m *Manager) UserConnectionCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry[userID])
}

// UserCount returns how many users currently have at least one connection.
func (m *Manager) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// ConnectedUsers returns the IDs of all users with at least one connection.
func (m *Manager) ConnectedUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.registry))
	for userID := range m.registry {
		users = append(users, userID)
	}
	return users
}

// CloseAll disconnects every connection, used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var all []*Client
	for userID, conns := range m.registry {
		all = append(all, conns...)
		m.dedup.Forget(userID)
	}
	m.registry = make(map[string][]*Client)
	m.health = make(map[string]*HealthRecord)
	m.recomputeActive()
	m.mu.Unlock()

	for _, c := range all {
		_ = c.Close()
	}
}

// removeLocked removes c from its user's set and cleans up the registry and
// health entries when the set becomes empty. Caller holds mu. Returns the
// user's remaining connection count.
func (m *Manager) removeLocked(userID string, c *Client) int {
	conns, ok := m.registry[userID]
	if !ok {
		return 0
	}
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(m.registry, userID)
		delete(m.health, userID)
		m.dedup.Forget(userID)
	} else {
		m.registry[userID] = conns
	}
	m.recomputeActive()
	return len(conns)
}

// recomputeActive refreshes the active connection count. Caller holds mu.
func (m *Manager) recomputeActive() {
	total := 0
	for _, conns := range m.registry {
		total += len(conns)
	}
	m.activeConnections = total
	metrics.ActiveConnections.Set(float64(total))
}

// recordError bumps the aggregate and per-user error counters.
func (m *Manager) recordError(userID string, n int) {
	m.mu.Lock()
	m.errors += int64(n)
	if h := m.health[userID]; h != nil {
		h.Errors += int64(n)
	}
	m.mu.Unlock()
	metrics.SendErrors.Add(float64(n))
}
