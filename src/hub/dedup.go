package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/pulseboard/socket/src/types"
)

// Dedup windows. Action-triggered types get the relaxed window so rapid
// successive legitimate updates are not swallowed.
const (
	DefaultDedupWindow = 300 * time.Millisecond
	RelaxedDedupWindow = 100 * time.Millisecond
)

// Deduplicator suppresses near-exact repeats of a message to the same user
// inside a short sliding window. It absorbs redundant upstream emissions,
// typically a direct API response racing its own pub/sub echo. It is a
// heuristic safety net: an occasional true duplicate slipping through is
// fine, dropping a legitimately distinct message is not.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]map[uint64]time.Time // userID -> content hash -> last sent

	window  time.Duration
	relaxed time.Duration
	now     func() time.Time
}

// NewDeduplicator creates a deduplicator with the given windows. Zero
// values fall back to the defaults.
func NewDeduplicator(window, relaxed time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if relaxed <= 0 {
		relaxed = RelaxedDedupWindow
	}
	return &Deduplicator{
		entries: make(map[string]map[uint64]time.Time),
		window:  window,
		relaxed: relaxed,
		now:     time.Now,
	}
}

// IsDuplicate reports whether msg is a repeat of one sent to userID inside
// the active window. If not, the message is recorded as sent. Entries for
// the user older than the window are pruned before the check.
func (d *Deduplicator) IsDuplicate(userID string, msg types.Message, relaxed bool) bool {
	window := d.window
	if relaxed {
		window = d.relaxed
	}
	hash := contentHash(msg)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	sent := d.entries[userID]
	for h, at := range sent {
		if now.Sub(at) > window {
			delete(sent, h)
		}
	}

	if at, ok := sent[hash]; ok && now.Sub(at) <= window {
		return true
	}
	if sent == nil {
		sent = make(map[uint64]time.Time)
		d.entries[userID] = sent
	}
	sent[hash] = now
	return false
}

// Forget drops all recorded hashes for a user.
func (d *Deduplicator) Forget(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, userID)
}

// contentHash hashes the message with the timestamp stripped. For
// action-triggered types the action context (data.action, data.entity_type)
// is folded in so that distinct user actions of the same broadcast type
// never collide.
func contentHash(msg types.Message) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(msg.Type))
	if msg.Data != nil {
		// encoding/json sorts map keys, so this is deterministic.
		if raw, err := json.Marshal(msg.Data); err == nil {
			_, _ = h.Write(raw)
		}
	}
	if msg.Type.ActionTriggered() {
		action, _ := msg.Data["action"].(string)
		entity, _ := msg.Data["entity_type"].(string)
		_, _ = h.WriteString("|" + action + ":" + entity)
	}
	return h.Sum64()
}
