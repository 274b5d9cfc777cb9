package handoff

import (
	"sync"
	"time"
)

// DefaultBlockDuration is how long an escalated chat stays blocked when
// no duration is configured.
const DefaultBlockDuration = 3 * time.Hour

// Blocklist is a coarse process-local circuit breaker: once the bot has
// announced an escalation for a chat, it refuses to answer that chat
// for a fixed lease, independent of what the shared store says. This
// predates the shared store and is kept as a second line of defense —
// it still protects a conversation during a store outage.
type Blocklist struct {
	duration time.Duration

	mu      sync.Mutex
	blocked map[string]time.Time // chat ID → block start

	now func() time.Time // test hook
}

// NewBlocklist creates a blocklist. A zero duration selects the default.
func NewBlocklist(duration time.Duration) *Blocklist {
	if duration <= 0 {
		duration = DefaultBlockDuration
	}
	return &Blocklist{
		duration: duration,
		blocked:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Block starts (or restarts) the lease for a chat.
func (b *Blocklist) Block(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[chatID] = b.now()
}

// Blocked reports whether the chat is under an active lease. Expired
// leases are removed as a side effect.
func (b *Blocklist) Blocked(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, ok := b.blocked[chatID]
	if !ok {
		return false
	}
	if b.now().Sub(start) >= b.duration {
		delete(b.blocked, chatID)
		return false
	}
	return true
}

// Release drops the lease for a chat, if any. Used by the admin
// surface when an operator hands a conversation back to the bot early.
func (b *Blocklist) Release(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, chatID)
}
