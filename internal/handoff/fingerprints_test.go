package handoff

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock makes a Fingerprints deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testFingerprints(t *testing.T) (*Fingerprints, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	f := NewFingerprints(15*time.Second, 500)
	f.now = clock.Now
	return f, clock
}

func TestConsumeIDWithinWindow(t *testing.T) {
	f, clock := testFingerprints(t)

	f.Record("chat-a", "m1", "hola")
	clock.Advance(5 * time.Second)

	if !f.ConsumeID("m1") {
		t.Error("ConsumeID() = false within window, want true")
	}
	if f.ConsumeID("m1") {
		t.Error("ConsumeID() = true on second call, want false (single use)")
	}
}

func TestConsumeIDExpired(t *testing.T) {
	f, clock := testFingerprints(t)

	f.Record("chat-a", "m1", "hola")
	clock.Advance(20 * time.Second)

	if f.ConsumeID("m1") {
		t.Error("ConsumeID() = true after window, want false")
	}
}

func TestConsumeIDUnknown(t *testing.T) {
	f, _ := testFingerprints(t)

	if f.ConsumeID("never-recorded") {
		t.Error("ConsumeID() = true for unknown ID, want false")
	}
	if f.ConsumeID("") {
		t.Error("ConsumeID() = true for empty ID, want false")
	}
}

func TestConsumeRecentSend(t *testing.T) {
	f, clock := testFingerprints(t)

	f.Record("chat-a", "", "hola")
	clock.Advance(10 * time.Second)

	if !f.ConsumeRecentSend("chat-a") {
		t.Error("ConsumeRecentSend() = false within window, want true")
	}
	if f.ConsumeRecentSend("chat-a") {
		t.Error("ConsumeRecentSend() = true on second call, want false")
	}
	if f.ConsumeRecentSend("chat-b") {
		t.Error("ConsumeRecentSend() = true for different chat, want false")
	}
}

func TestConsumeContentNormalizes(t *testing.T) {
	f, _ := testFingerprints(t)

	f.Record("chat-a", "", "Hola  Mundo")

	// Case and whitespace differences must still match.
	if !f.ConsumeContent("chat-a", "hola mundo") {
		t.Error("ConsumeContent() = false for normalized-equal text, want true")
	}
	if f.ConsumeContent("chat-a", "hola mundo") {
		t.Error("ConsumeContent() = true on second call, want false")
	}
}

func TestConsumeContentScopedToChat(t *testing.T) {
	f, _ := testFingerprints(t)

	f.Record("chat-a", "", "hola")

	if f.ConsumeContent("chat-b", "hola") {
		t.Error("ConsumeContent() = true for other chat, want false")
	}
	if !f.ConsumeContent("chat-a", "hola") {
		t.Error("ConsumeContent() = false for owning chat, want true")
	}
}

func TestSentWithinSurvivesConsumption(t *testing.T) {
	f, clock := testFingerprints(t)

	f.Record("chat-a", "m1", "hola")
	f.ConsumeRecentSend("chat-a") // stronger strategy ate the timing entry

	clock.Advance(30 * time.Second)
	if !f.SentWithin("chat-a", 45*time.Second) {
		t.Error("SentWithin() = false after timing entry consumed, want true via content index")
	}
	if f.SentWithin("chat-a", 10*time.Second) {
		t.Error("SentWithin() = true outside window, want false")
	}
}

func TestIDCapacityEviction(t *testing.T) {
	clock := newFakeClock()
	f := NewFingerprints(15*time.Second, 3)
	f.now = clock.Now

	for i := 0; i < 5; i++ {
		f.Record("chat-a", fmt.Sprintf("m%d", i), "")
	}

	// Oldest two should be gone, newest three retained.
	if f.ConsumeID("m0") || f.ConsumeID("m1") {
		t.Error("evicted IDs still matched")
	}
	for _, id := range []string{"m2", "m3", "m4"} {
		if !f.ConsumeID(id) {
			t.Errorf("ConsumeID(%q) = false, want true", id)
		}
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	f, clock := testFingerprints(t)

	f.Record("chat-a", "old", "stale text")

	// Past twice the window and past the scan interval, so the next
	// Record sweeps.
	clock.Advance(2 * time.Minute)
	f.Record("chat-b", "new", "fresh")

	f.mu.Lock()
	_, oldID := f.ids["old"]
	_, oldSend := f.lastSend["chat-a"]
	f.mu.Unlock()
	if oldID || oldSend {
		t.Error("stale entries survived sweep")
	}
	if !f.ConsumeID("new") {
		t.Error("fresh entry lost during sweep")
	}
}
