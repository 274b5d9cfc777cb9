package reactivate

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xtalento/xbot/internal/convstate"
	"github.com/xtalento/xbot/internal/handoff"
)

func testSweeper(t *testing.T) (*Sweeper, *convstate.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := convstate.NewStore(rdb, nil)
	sw := NewSweeper(SweeperConfig{
		Store:             store,
		Interval:          10 * time.Minute,
		InactivityTimeout: time.Hour,
	})
	return sw, store, mr
}

// ageActivity rewrites a record's last_activity to the past. Miniredis
// FastForward would expire the 24h record TTL at the scales we need, so
// the stamp is backdated directly.
func ageActivity(t *testing.T, mr *miniredis.Miniredis, chatID string, age time.Duration) {
	t.Helper()
	stamp := strconv.FormatInt(time.Now().Add(-age).Unix(), 10)
	mr.HSet(convstate.Key(chatID), "last_activity", stamp)
}

func TestSweepReactivatesIdleHumanChats(t *testing.T) {
	sw, store, mr := testSweeper(t)
	ctx := context.Background()

	store.SetMode(ctx, "idle", convstate.ModeHuman, handoff.ReasonAgentIntervened, "agent")
	store.SetMode(ctx, "busy", convstate.ModeHuman, handoff.ReasonAgentIntervened, "agent")
	store.SetMode(ctx, "botchat", convstate.ModeBot, handoff.ReasonInactivityTimeout, "scheduler")
	ageActivity(t, mr, "idle", 2*time.Hour)

	reactivated, active := sw.Sweep(ctx)
	if reactivated != 1 {
		t.Errorf("Sweep() reactivated = %d, want 1", reactivated)
	}
	if active != 1 {
		t.Errorf("Sweep() active = %d, want 1", active)
	}

	if mode := store.GetMode(ctx, "idle"); mode != convstate.ModeBot {
		t.Errorf("idle chat mode = %q after sweep, want BOT", mode)
	}
	if mode := store.GetMode(ctx, "busy"); mode != convstate.ModeHuman {
		t.Errorf("busy chat mode = %q after sweep, want HUMANO", mode)
	}

	rec, err := store.Get(ctx, "idle")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.Reason != handoff.ReasonInactivityTimeout {
		t.Errorf("reason = %q, want %s", rec.Reason, handoff.ReasonInactivityTimeout)
	}
	if rec.ChangedBy != "scheduler" {
		t.Errorf("changed_by = %q, want scheduler", rec.ChangedBy)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	sw, store, mr := testSweeper(t)
	ctx := context.Background()

	rec := &captureRecorder{}
	sw.cfg.Recorder = rec

	store.SetMode(ctx, "c1", convstate.ModeHuman, handoff.ReasonAgentIntervened, "agent")
	ageActivity(t, mr, "c1", 2*time.Hour)

	reactivated, _ := sw.Sweep(ctx)
	if reactivated != 1 {
		t.Fatalf("first Sweep() reactivated = %d, want 1", reactivated)
	}

	// The record is BOT-owned now; a second pass right away must not
	// touch it again.
	reactivated, active := sw.Sweep(ctx)
	if reactivated != 0 || active != 0 {
		t.Errorf("second Sweep() = (%d, %d), want (0, 0)", reactivated, active)
	}
	if len(rec.reasons) != 1 {
		t.Errorf("recorded %d transitions across both sweeps, want 1", len(rec.reasons))
	}
	after, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if after.Mode != convstate.ModeBot || after.Reason != handoff.ReasonInactivityTimeout {
		t.Errorf("record changed by second sweep: %+v", after)
	}
}

func TestSweepReleasesLease(t *testing.T) {
	sw, store, mr := testSweeper(t)
	ctx := context.Background()

	bl := handoff.NewBlocklist(3 * time.Hour)
	sw.cfg.Leases = bl

	store.SetMode(ctx, "c1", convstate.ModeHuman, handoff.ReasonUserRequestedAgent, "bot")
	bl.Block("c1")
	ageActivity(t, mr, "c1", 90*time.Minute)

	sw.Sweep(ctx)

	if bl.Blocked("c1") {
		t.Error("lease still held after reactivation")
	}
}

func TestSweepRecordsTransition(t *testing.T) {
	sw, store, mr := testSweeper(t)
	ctx := context.Background()

	rec := &captureRecorder{}
	sw.cfg.Recorder = rec

	store.SetMode(ctx, "c1", convstate.ModeHuman, handoff.ReasonAgentIntervened, "agent")
	ageActivity(t, mr, "c1", 2*time.Hour)

	sw.Sweep(ctx)

	if len(rec.reasons) != 1 || rec.reasons[0] != handoff.ReasonInactivityTimeout {
		t.Errorf("recorded reasons = %v, want [%s]", rec.reasons, handoff.ReasonInactivityTimeout)
	}
}

func TestSweepTreatsMissingStampAsStale(t *testing.T) {
	sw, store, mr := testSweeper(t)
	ctx := context.Background()

	store.SetMode(ctx, "c1", convstate.ModeHuman, handoff.ReasonAgentIntervened, "agent")
	mr.HSet(convstate.Key("c1"), "last_activity", "not-a-number")

	reactivated, _ := sw.Sweep(ctx)
	if reactivated != 1 {
		t.Errorf("Sweep() reactivated = %d for corrupt stamp, want 1", reactivated)
	}
}

func TestSweepEmptyStore(t *testing.T) {
	sw, _, _ := testSweeper(t)

	reactivated, active := sw.Sweep(context.Background())
	if reactivated != 0 || active != 0 {
		t.Errorf("Sweep() = (%d, %d) on empty store, want (0, 0)", reactivated, active)
	}
}

type captureRecorder struct {
	reasons []string
}

func (r *captureRecorder) RecordTransition(_ context.Context, _ string, _, _ convstate.Mode, reason, _ string) {
	r.reasons = append(r.reasons, reason)
}
