// Package reactivate returns stale human-owned conversations to the
// bot. A human agent who answers a chat and then walks away would
// otherwise leave it silent forever; the sweeper periodically hands
// idle conversations back.
package reactivate

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtalento/xbot/internal/convstate"
	"github.com/xtalento/xbot/internal/handoff"
)

// LeaseReleaser drops a chat's escalation lease when the sweeper hands
// the conversation back, so the returned bot is not silenced by its own
// circuit breaker.
type LeaseReleaser interface {
	Release(chatID string)
}

// SweeperConfig configures the reactivation sweeper.
type SweeperConfig struct {
	// Store is the shared conversation state.
	Store *convstate.Store

	// Leases is released for each reactivated chat. Optional.
	Leases LeaseReleaser

	// Recorder receives the reactivation transitions. Optional.
	Recorder handoff.TransitionRecorder

	// Interval is how often the sweep runs.
	Interval time.Duration

	// InactivityTimeout is how long a human-owned chat may sit idle
	// before it is handed back to the bot.
	InactivityTimeout time.Duration

	// StatsInterval is how often a summary of the store is logged.
	// Zero disables the summary.
	StatsInterval time.Duration

	Logger *slog.Logger
}

// Sweeper periodically scans the conversation store and reactivates
// human-owned chats whose last activity is older than the timeout.
type Sweeper struct {
	cfg SweeperConfig
}

// NewSweeper creates a reactivation sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{cfg: cfg}
}

// Start runs the sweep loop until ctx is cancelled. It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var statsTicker *time.Ticker
	var statsC <-chan time.Time
	if s.cfg.StatsInterval > 0 {
		statsTicker = time.NewTicker(s.cfg.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	// Sweep immediately on start.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case <-statsC:
			s.logStats(ctx)
		}
	}
}

// Sweep runs one pass over the store. It returns how many chats were
// handed back and how many human-owned chats remain active. Errors are
// logged, not returned: a failed sweep is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) (reactivated, active int) {
	records, err := s.cfg.Store.List(ctx)
	if err != nil {
		s.cfg.Logger.Warn("reactivation sweep failed", "error", err)
		return 0, 0
	}

	now := time.Now()
	for _, rec := range records {
		if rec.Mode != convstate.ModeHuman {
			continue
		}

		idle := now.Sub(rec.LastActivity)
		if rec.LastActivity.IsZero() {
			// Unparseable activity stamp: treat the record as stale
			// rather than leaving the chat silent indefinitely.
			idle = s.cfg.InactivityTimeout
		}
		if idle < s.cfg.InactivityTimeout {
			active++
			continue
		}

		if ok := s.cfg.Store.SetMode(ctx, rec.ChatID, convstate.ModeBot, handoff.ReasonInactivityTimeout, "scheduler"); !ok {
			// Store degraded mid-sweep; the next tick picks it up.
			active++
			continue
		}
		if s.cfg.Leases != nil {
			s.cfg.Leases.Release(rec.ChatID)
		}
		if s.cfg.Recorder != nil {
			s.cfg.Recorder.RecordTransition(ctx, rec.ChatID, convstate.ModeHuman, convstate.ModeBot, handoff.ReasonInactivityTimeout, "scheduler")
		}
		s.cfg.Logger.Info("idle conversation handed back to bot",
			"chat_id", rec.ChatID,
			"idle", idle.Round(time.Second),
		)
		reactivated++
	}

	if reactivated > 0 {
		s.cfg.Logger.Info("reactivation sweep done",
			"reactivated", reactivated,
			"still_active", active,
		)
	}
	return reactivated, active
}

// logStats emits a summary of the store, mostly so operators can see at
// a glance how many conversations are parked with humans.
func (s *Sweeper) logStats(ctx context.Context) {
	records, err := s.cfg.Store.List(ctx)
	if err != nil {
		s.cfg.Logger.Warn("stats scan failed", "error", err)
		return
	}

	var bot, human, dueSoon int
	now := time.Now()
	for _, rec := range records {
		switch rec.Mode {
		case convstate.ModeHuman:
			human++
			// Due within the next sweep: idle time already past the
			// timeout minus one interval.
			if now.Sub(rec.LastActivity) >= s.cfg.InactivityTimeout-s.cfg.Interval {
				dueSoon++
			}
		default:
			bot++
		}
	}
	s.cfg.Logger.Info("conversation state summary",
		"total", len(records),
		"bot", bot,
		"human", human,
		"due_soon", dueSoon,
	)
}
