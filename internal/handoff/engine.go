package handoff

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xtalento/xbot/internal/convstate"
)

// Transition reason codes. These are stable strings written to the
// shared store and the audit log; operators grep for them.
const (
	ReasonUserRequestedAgent = "USER_REQUESTED_AGENT"
	ReasonAgentIntervened    = "AGENT_INTERVENED"
	ReasonInactivityTimeout  = "INACTIVITY_TIMEOUT"
	ReasonManualOverride     = "MANUAL_OVERRIDE"
)

// Event is an inbound message normalized from the transport.
type Event struct {
	ChatID    string
	MessageID string
	Text      string
	// FromMe marks events whose sender identity is the bot's own
	// channel identity. These are either delivery echoes of the bot's
	// messages or a human agent typing from the linked device.
	FromMe bool
}

// Decision is the engine's verdict for one event.
type Decision struct {
	// Mode is the conversation's ownership after the decision.
	Mode convstate.Mode
	// Respond is true when the bot should produce a reply.
	Respond bool
	// Escalate is true when the reply must be the escalation
	// acknowledgment rather than a normal conversational turn.
	Escalate bool
	// Echo is true when a self-authored event was classified as a
	// delivery echo of the bot's own message.
	Echo bool
	// Transitioned is true when this event caused a mode change.
	Transitioned bool
	// Reason is the transition reason code, when Transitioned.
	Reason string
	// Strategy names the echo strategy that matched, when Echo.
	Strategy string
}

// ModeStore is the slice of the conversation store the engine needs.
type ModeStore interface {
	GetMode(ctx context.Context, chatID string) convstate.Mode
	SetMode(ctx context.Context, chatID string, mode convstate.Mode, reason, changedBy string) bool
	TouchActivity(ctx context.Context, chatID string) bool
}

// IntentClassifier decides whether a user message is an explicit
// request for a human agent. The conversation layer implements this;
// the engine depends only on the boolean.
type IntentClassifier interface {
	WantsAgent(text string) bool
}

// TransitionRecorder receives every applied mode transition, for the
// audit trail. Implementations must not block message processing.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, chatID string, from, to convstate.Mode, reason, changedBy string)
}

// EngineConfig holds the dependencies for an Engine.
type EngineConfig struct {
	Store        ModeStore
	Fingerprints *Fingerprints
	Blocklist    *Blocklist
	Intent       IntentClassifier
	Recorder     TransitionRecorder // optional

	// SignaturePhrase marks self-authored messages as genuine agent
	// interventions regardless of echo classification. Matched
	// case-insensitively as a substring.
	SignaturePhrase string

	// WideWindow is the secondary window for the weakest echo signal.
	WideWindow time.Duration

	Logger *slog.Logger
}

// Engine runs the two-state ownership machine for every inbound event.
// BOT is the initial state for every conversation.
type Engine struct {
	store        ModeStore
	fingerprints *Fingerprints
	blocklist    *Blocklist
	intent       IntentClassifier
	recorder     TransitionRecorder
	signature    string
	wideWindow   time.Duration
	logger       *slog.Logger

	strategies []echoStrategy
}

// echoStrategy is one link in the echo classification chain. Strategies
// run in declaration order and the first match wins; matching consumes
// the underlying fingerprint entry where applicable.
type echoStrategy struct {
	name  string
	match func(ctx context.Context, ev Event) bool
}

// NewEngine creates a handoff decision engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wideWindow := cfg.WideWindow
	if wideWindow <= 0 {
		wideWindow = 45 * time.Second
	}

	e := &Engine{
		store:        cfg.Store,
		fingerprints: cfg.Fingerprints,
		blocklist:    cfg.Blocklist,
		intent:       cfg.Intent,
		recorder:     cfg.Recorder,
		signature:    strings.ToLower(cfg.SignaturePhrase),
		wideWindow:   wideWindow,
		logger:       logger,
	}

	// Ordered strongest to weakest. Evolution does not guarantee that
	// an echo carries a matchable ID, so the chain degrades through
	// progressively softer signals instead of depending on one.
	e.strategies = []echoStrategy{
		{
			name: "message-id",
			match: func(_ context.Context, ev Event) bool {
				return e.fingerprints.ConsumeID(ev.MessageID)
			},
		},
		{
			name: "send-timing",
			match: func(_ context.Context, ev Event) bool {
				return e.fingerprints.ConsumeRecentSend(ev.ChatID)
			},
		},
		{
			name: "content-hash",
			match: func(_ context.Context, ev Event) bool {
				return e.fingerprints.ConsumeContent(ev.ChatID, ev.Text)
			},
		},
		{
			// Last resort against transport jitter: if the store still
			// says the bot owns the chat and we sent anything recently,
			// assume echo rather than escalating falsely.
			name: "mode-crosscheck",
			match: func(ctx context.Context, ev Event) bool {
				return e.store.GetMode(ctx, ev.ChatID) == convstate.ModeBot &&
					e.fingerprints.SentWithin(ev.ChatID, e.wideWindow)
			},
		},
	}

	return e
}

// Decide runs the ownership state machine for one inbound event and
// returns what the dispatcher should do with it.
func (e *Engine) Decide(ctx context.Context, ev Event) Decision {
	if ev.FromMe {
		return e.decideSelfAuthored(ctx, ev)
	}
	return e.decideUserAuthored(ctx, ev)
}

// decideUserAuthored handles events from the counterparty.
func (e *Engine) decideUserAuthored(ctx context.Context, ev Event) Decision {
	mode := e.store.GetMode(ctx, ev.ChatID)

	if mode == convstate.ModeHuman {
		// Activity on a human-owned chat resets the inactivity clock
		// without changing ownership.
		e.store.TouchActivity(ctx, ev.ChatID)
		return Decision{Mode: convstate.ModeHuman}
	}

	if e.blocklist != nil && e.blocklist.Blocked(ev.ChatID) {
		// Escalation lease still active; stay silent even though the
		// store says BOT (it may have failed the escalation write).
		e.logger.Debug("chat blocked by escalation lease", "chat_id", ev.ChatID)
		return Decision{Mode: convstate.ModeBot}
	}

	if e.intent != nil && e.intent.WantsAgent(ev.Text) {
		e.transition(ctx, ev.ChatID, mode, convstate.ModeHuman, ReasonUserRequestedAgent, "bot")
		if e.blocklist != nil {
			e.blocklist.Block(ev.ChatID)
		}
		return Decision{
			Mode:         convstate.ModeHuman,
			Respond:      true,
			Escalate:     true,
			Transitioned: true,
			Reason:       ReasonUserRequestedAgent,
		}
	}

	return Decision{Mode: convstate.ModeBot, Respond: true}
}

// decideSelfAuthored disambiguates events carrying the bot's own
// channel identity: delivery echoes of its messages versus a human
// agent typing from the linked device.
func (e *Engine) decideSelfAuthored(ctx context.Context, ev Event) Decision {
	// The agent signature phrase is an explicit override: it always
	// means a human, even if a fingerprint would have matched.
	if e.signature != "" && strings.Contains(strings.ToLower(ev.Text), e.signature) {
		return e.agentIntervened(ctx, ev)
	}

	for _, strat := range e.strategies {
		if strat.match(ctx, ev) {
			e.logger.Debug("self-authored event classified as echo",
				"chat_id", ev.ChatID,
				"strategy", strat.name,
			)
			return Decision{
				Mode:     e.store.GetMode(ctx, ev.ChatID),
				Echo:     true,
				Strategy: strat.name,
			}
		}
	}

	return e.agentIntervened(ctx, ev)
}

// agentIntervened applies the AGENT_INTERVENED transition, or just
// refreshes activity if a human already owns the chat.
func (e *Engine) agentIntervened(ctx context.Context, ev Event) Decision {
	mode := e.store.GetMode(ctx, ev.ChatID)
	if mode == convstate.ModeHuman {
		e.store.TouchActivity(ctx, ev.ChatID)
		return Decision{Mode: convstate.ModeHuman}
	}

	e.transition(ctx, ev.ChatID, mode, convstate.ModeHuman, ReasonAgentIntervened, "agent")
	return Decision{
		Mode:         convstate.ModeHuman,
		Transitioned: true,
		Reason:       ReasonAgentIntervened,
	}
}

// transition writes the mode change. A write failure is logged and then
// treated as if it succeeded: a storage outage must not make the bot
// talk over a human who may be engaged. The next event for the chat
// retries the write naturally.
func (e *Engine) transition(ctx context.Context, chatID string, from, to convstate.Mode, reason, changedBy string) {
	if ok := e.store.SetMode(ctx, chatID, to, reason, changedBy); !ok {
		e.logger.Warn("mode transition write failed, proceeding as transitioned",
			"chat_id", chatID,
			"from", from,
			"to", to,
			"reason", reason,
		)
	}
	if e.recorder != nil {
		e.recorder.RecordTransition(ctx, chatID, from, to, reason, changedBy)
	}
	e.logger.Info("conversation handed off",
		"chat_id", chatID,
		"from", from,
		"to", to,
		"reason", reason,
		"changed_by", changedBy,
	)
}
