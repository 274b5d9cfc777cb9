// Package handoff decides who owns a conversation. It tracks
// fingerprints of the bot's own outbound messages so that transport
// echoes can be told apart from a human agent typing on the same
// channel identity, and runs the state machine that moves conversations
// between bot and human ownership.
package handoff

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultEchoWindow is how long a recorded send counts as evidence of
// an echo when no window is configured.
const DefaultEchoWindow = 15 * time.Second

// DefaultMaxIDs bounds the message-ID index to cap memory on busy
// instances.
const DefaultMaxIDs = 500

// Fingerprints remembers recently sent outbound messages. It is
// process-local and intentionally not shared: a fingerprint recorded by
// this instance is only valid evidence for echoes delivered back to
// this instance. Entries are indexed three ways at once — by transport
// message ID, by chat, and by (chat, content hash) — because Evolution
// does not guarantee any single one of them survives the round trip.
//
// All methods are safe for concurrent use.
type Fingerprints struct {
	window time.Duration
	maxIDs int

	mu       sync.Mutex
	ids      map[string]time.Time // message ID → recorded at
	idOrder  []string             // insertion order, for capacity eviction
	lastSend map[string]time.Time // chat ID → last send
	content  map[contentKey]time.Time
	lastScan time.Time

	now func() time.Time // test hook
}

type contentKey struct {
	chatID string
	hash   string
}

// scanInterval controls how often expired entries are swept out as a
// side effect of Record.
const scanInterval = time.Minute

// NewFingerprints creates a registry. A zero window or maxIDs selects
// the defaults.
func NewFingerprints(window time.Duration, maxIDs int) *Fingerprints {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	if maxIDs <= 0 {
		maxIDs = DefaultMaxIDs
	}
	return &Fingerprints{
		window:   window,
		maxIDs:   maxIDs,
		ids:      make(map[string]time.Time),
		lastSend: make(map[string]time.Time),
		content:  make(map[contentKey]time.Time),
		now:      time.Now,
	}
}

// Record registers a successfully sent outbound message. messageID may
// be empty when the transport response carried none; the timing and
// content indexes still apply.
func (f *Fingerprints) Record(chatID, messageID, text string) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.maybeSweepLocked(now)

	if messageID != "" {
		if _, exists := f.ids[messageID]; !exists {
			f.idOrder = append(f.idOrder, messageID)
		}
		f.ids[messageID] = now
		f.evictOverCapacityLocked()
	}

	f.lastSend[chatID] = now

	if text != "" {
		f.content[contentKey{chatID: chatID, hash: hashContent(text)}] = now
	}
}

// ConsumeID reports whether messageID belongs to a recent outbound
// send. A match is single-use: the entry is removed so a duplicate
// delivery of the same ID is not silently swallowed twice.
func (f *Fingerprints) ConsumeID(messageID string) bool {
	if messageID == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.ids[messageID]
	if !ok {
		return false
	}
	delete(f.ids, messageID)
	return f.now().Sub(at) <= f.window
}

// ConsumeRecentSend reports whether anything was sent to chatID within
// the echo window, consuming the timestamp on match.
func (f *Fingerprints) ConsumeRecentSend(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.lastSend[chatID]
	if !ok || f.now().Sub(at) > f.window {
		return false
	}
	delete(f.lastSend, chatID)
	return true
}

// ConsumeContent reports whether text matches a recently sent message
// for chatID by normalized hash, consuming the entry on match.
func (f *Fingerprints) ConsumeContent(chatID, text string) bool {
	if text == "" {
		return false
	}
	key := contentKey{chatID: chatID, hash: hashContent(text)}

	f.mu.Lock()
	defer f.mu.Unlock()

	at, ok := f.content[key]
	if !ok || f.now().Sub(at) > f.window {
		return false
	}
	delete(f.content, key)
	return true
}

// SentWithin reports whether any send to chatID happened within the
// given window. Non-consuming; backs the weakest echo signal, where a
// consumed timing entry must still count.
func (f *Fingerprints) SentWithin(chatID string, window time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The timing entry may have been consumed by a stronger strategy on
	// an earlier event, so fall back to the content index timestamps.
	if at, ok := f.lastSend[chatID]; ok && f.now().Sub(at) <= window {
		return true
	}
	for key, at := range f.content {
		if key.chatID == chatID && f.now().Sub(at) <= window {
			return true
		}
	}
	return false
}

// maybeSweepLocked evicts expired entries. Must be called with f.mu
// held. Entries older than twice the window are kept nowhere: they are
// not valid echo evidence and only cost memory.
func (f *Fingerprints) maybeSweepLocked(now time.Time) {
	if now.Sub(f.lastScan) < scanInterval {
		return
	}
	f.lastScan = now

	cutoff := now.Add(-2 * f.window)
	for id, at := range f.ids {
		if at.Before(cutoff) {
			delete(f.ids, id)
		}
	}
	for chat, at := range f.lastSend {
		if at.Before(cutoff) {
			delete(f.lastSend, chat)
		}
	}
	for key, at := range f.content {
		if at.Before(cutoff) {
			delete(f.content, key)
		}
	}

	// Compact the order slice to the surviving IDs.
	surviving := f.idOrder[:0]
	for _, id := range f.idOrder {
		if _, ok := f.ids[id]; ok {
			surviving = append(surviving, id)
		}
	}
	f.idOrder = surviving
}

// evictOverCapacityLocked drops the oldest message IDs beyond maxIDs.
// Must be called with f.mu held.
func (f *Fingerprints) evictOverCapacityLocked() {
	for len(f.idOrder) > f.maxIDs {
		oldest := f.idOrder[0]
		f.idOrder = f.idOrder[1:]
		delete(f.ids, oldest)
	}
}

// hashContent produces a stable hash of message text, tolerant of the
// whitespace mangling WhatsApp applies to delivered messages.
func hashContent(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
