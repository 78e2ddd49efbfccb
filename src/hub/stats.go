package hub

import "time"

// HealthRecord tracks liveness signals and failure counts for one user.
// Created when the user's first connection opens, dropped with the last.
type HealthRecord struct {
	LastPing      time.Time `json:"last_ping,omitzero"`
	LastPong      time.Time `json:"last_pong,omitzero"`
	Errors        int64     `json:"errors"`
	Reconnections int64     `json:"reconnections"`
}

// UserStats is the per-user slice of a stats snapshot.
type UserStats struct {
	Connections int          `json:"connections"`
	Health      HealthRecord `json:"health"`
}

// StatsSnapshot is a point-in-time copy of the manager's counters.
type StatsSnapshot struct {
	TotalConnections  int64                `json:"total_connections"`
	ActiveConnections int                  `json:"active_connections"`
	MessagesSent      int64                `json:"messages_sent"`
	Errors            int64                `json:"errors"`
	Reconnections     int64                `json:"reconnections"`
	Users             map[string]UserStats `json:"users"`
}

// Stats returns a consistent snapshot of aggregate counters and per-user
// connection counts and health records.
func (m *Manager) Stats() StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[string]UserStats, len(m.registry))
	for userID, conns := range m.registry {
		us := UserStats{Connections: len(conns)}
		if h := m.health[userID]; h != nil {
			us.Health = *h
		}
		users[userID] = us
	}
	return StatsSnapshot{
		TotalConnections:  m.totalConnections,
		ActiveConnections: m.activeConnections,
		MessagesSent:      m.messagesSent,
		Errors:            m.errors,
		Reconnections:     m.reconnections,
		Users:             users,
	}
}
