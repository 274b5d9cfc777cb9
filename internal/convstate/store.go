// Package convstate is the shared source of truth for conversation
// ownership. Each conversation has a record in Redis saying whether the
// bot or a human agent currently owns the channel, stored as a hash per
// chat with a bounded retention window. The store fails open: if Redis
// is unreachable the bot keeps answering, which is the accepted degraded
// mode for this system.
package convstate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtalento/xbot/internal/config"
)

// Mode identifies which party owns response generation for a conversation.
type Mode string

const (
	// ModeBot means the automaton answers. This is the implicit default
	// for any chat without a record.
	ModeBot Mode = "BOT"

	// ModeHuman means a human agent owns the conversation and the bot
	// must stay silent.
	ModeHuman Mode = "HUMANO"
)

const (
	// keyPrefix namespaces conversation records in Redis.
	keyPrefix = "chat_state:"

	// recordTTL bounds how long an untouched record survives. Every
	// write renews it, so an active handoff never expires mid-flight
	// while an idle record eventually disappears and the chat reverts
	// to the implicit BOT default.
	recordTTL = 24 * time.Hour

	// opTimeout bounds each Redis round trip so a degraded store can
	// never stall message processing.
	opTimeout = 5 * time.Second
)

// Record is the coordination metadata kept per conversation. No message
// content is ever persisted here.
type Record struct {
	ChatID         string
	Mode           Mode
	LastActivity   time.Time
	Reason         string
	UpdatedAt      time.Time
	ChangedBy      string
	PreviousMode   Mode
	PreviousReason string
}

// Store reads and writes conversation records. All methods are safe for
// concurrent use; the client handles connection pooling.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger}
}

// Connect creates a Redis client from config and verifies the connection
// with a ping. A ping failure is logged but not fatal: the store fails
// open and the bot runs degraded until Redis returns.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	}
	if cfg.Password != "" {
		opts.Username = cfg.Username
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, conversation state degraded to BOT",
			"addr", cfg.Addr,
			"error", err,
		)
	} else {
		logger.Info("redis connected", "addr", cfg.Addr)
	}

	return NewStore(rdb, logger)
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key returns the Redis key for a chat's record.
func Key(chatID string) string {
	return keyPrefix + chatID
}

// GetMode returns the recorded mode for a chat. Missing records and
// store errors both resolve to ModeBot — the caller must never block or
// fail because the coordination store is down.
func (s *Store) GetMode(ctx context.Context, chatID string) Mode {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, Key(chatID)).Result()
	if err != nil {
		s.logger.Warn("conversation state read failed, assuming BOT",
			"chat_id", chatID,
			"error", err,
		)
		return ModeBot
	}

	if state, ok := fields["state"]; ok && state != "" {
		return Mode(state)
	}
	return ModeBot
}

// SetMode upserts a chat's record with the given mode, stamping the
// transition metadata and renewing the retention window. The previous
// mode and reason are carried into the new record so the admin surface
// can show what was overwritten. Returns false (never an error) if the
// store is unreachable; callers treat that as best effort.
func (s *Store) SetMode(ctx context.Context, chatID string, mode Mode, reason, changedBy string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := Key(chatID)

	// Best-effort read of the outgoing record for the previous_* fields.
	// The write below is a single hash replace, so a concurrent writer
	// can at worst clobber the previous_* annotations, never the mode.
	prevState, prevReason := "", ""
	if prev, err := s.rdb.HMGet(ctx, key, "state", "reason").Result(); err == nil {
		if v, ok := prev[0].(string); ok {
			prevState = v
		}
		if v, ok := prev[1].(string); ok {
			prevReason = v
		}
	}

	now := time.Now()
	record := map[string]string{
		"state":           string(mode),
		"last_activity":   strconv.FormatInt(now.Unix(), 10),
		"reason":          reason,
		"updated_at":      now.Format(time.RFC3339),
		"changed_by":      changedBy,
		"previous_state":  prevState,
		"previous_reason": prevReason,
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("conversation state write failed",
			"chat_id", chatID,
			"mode", mode,
			"reason", reason,
			"error", err,
		)
		return false
	}

	s.logger.Info("conversation state set",
		"chat_id", chatID,
		"mode", mode,
		"reason", reason,
		"changed_by", changedBy,
	)
	return true
}

// TouchActivity refreshes only last_activity, keeping an actively
// monitored HUMAN conversation from being swept prematurely. The
// retention window is renewed like any other write.
func (s *Store) TouchActivity(ctx context.Context, chatID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := Key(chatID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_activity", strconv.FormatInt(time.Now().Unix(), 10))
	pipe.Expire(ctx, key, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("activity touch failed",
			"chat_id", chatID,
			"error", err,
		)
		return false
	}
	return true
}

// Get returns the full record for a chat, or nil if none exists.
func (s *Store) Get(ctx context.Context, chatID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, Key(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", chatID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseRecord(chatID, fields), nil
}

// List returns every conversation record in the store, for the sweeper
// and the admin surface. Uses SCAN rather than KEYS so a large fleet of
// records cannot stall Redis.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	var records []*Record
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			s.logger.Warn("record read failed during scan", "key", key, "error", err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		records = append(records, parseRecord(key[len(keyPrefix):], fields))
	}
	if err := iter.Err(); err != nil {
		return records, fmt.Errorf("scan conversation records: %w", err)
	}
	return records, nil
}

// parseRecord decodes a Redis hash into a Record. Unparseable fields
// degrade to zero values rather than failing the whole record.
func parseRecord(chatID string, fields map[string]string) *Record {
	rec := &Record{
		ChatID:         chatID,
		Mode:           ModeBot,
		Reason:         fields["reason"],
		ChangedBy:      fields["changed_by"],
		PreviousMode:   Mode(fields["previous_state"]),
		PreviousReason: fields["previous_reason"],
	}
	if state := fields["state"]; state != "" {
		rec.Mode = Mode(state)
	}
	if ts, err := strconv.ParseInt(fields["last_activity"], 10, 64); err == nil {
		rec.LastActivity = time.Unix(ts, 0)
	}
	if t, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		rec.UpdatedAt = t
	}
	return rec
}
