// Package webhook receives Evolution events and turns them into
// replies. The HTTP handler acknowledges deliveries immediately and
// hands the work to a bounded worker pool, so a slow model call never
// makes Evolution time out and redeliver.
package webhook

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/xtalento/xbot/internal/chatbot"
	"github.com/xtalento/xbot/internal/evolution"
	"github.com/xtalento/xbot/internal/handoff"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 16

// queueDepth is how many pending messages the pool buffers before
// HandleEvent starts dropping. Sized for bursts, not backlog: a message
// older than the queue drain time would get a stale answer anyway.
const queueDepth = 256

// Sender delivers outbound text. *evolution.Client implements it.
type Sender interface {
	SendText(ctx context.Context, number, text, remoteJID string) (*evolution.SendResult, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Engine       *handoff.Engine
	Fingerprints *handoff.Fingerprints
	Bot          *chatbot.Bot
	Sessions     *chatbot.Sessions
	Sender       Sender
	Workers      int
	Logger       *slog.Logger
}

// Dispatcher routes decoded Evolution events through the handoff
// engine and, when the bot still owns the conversation, produces and
// sends the reply.
type Dispatcher struct {
	cfg  DispatcherConfig
	jobs chan evolution.Message

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:  cfg,
		jobs: make(chan evolution.Message, queueDepth),
	}
}

// drainTimeout bounds the shutdown grace period for messages already
// accepted from Evolution.
const drainTimeout = 15 * time.Second

// Start runs the worker pool until ctx is cancelled, then drains the
// queue before returning. It blocks.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					d.drain(ctx)
					return
				case msg := <-d.jobs:
					d.process(ctx, msg)
				}
			}
		}()
	}
	<-ctx.Done()
	d.wg.Wait()
}

// drain finishes queued work after shutdown begins. Messages already
// acknowledged to Evolution would otherwise be lost silently; the
// detached context gives their replies a bounded grace period.
func (d *Dispatcher) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	for {
		select {
		case msg := <-d.jobs:
			d.process(drainCtx, msg)
		default:
			return
		}
	}
}

// HandleEvent accepts one decoded event. It never blocks: message
// events are enqueued for the pool, connection events are logged, and
// overload drops with a warning.
func (d *Dispatcher) HandleEvent(ev *evolution.WebhookEvent) {
	switch ev.Event {
	case evolution.EventMessagesUpsert, evolution.EventMessagesUpdate:
		for _, msg := range ev.Messages {
			select {
			case d.jobs <- msg:
			default:
				d.cfg.Logger.Warn("message queue full, dropping event",
					"chat_jid", msg.RemoteJID(),
					"message_id", msg.Key.ID,
				)
			}
		}

	case evolution.EventQRCodeUpdated:
		if code := evolution.PairingCode(ev); code != "" {
			d.cfg.Logger.Info("pairing code updated, scan to link the session")
			if err := evolution.RenderQR(os.Stdout, code); err != nil {
				d.cfg.Logger.Warn("qr render failed", "error", err)
			}
		}

	case evolution.EventConnectionUpdate:
		d.cfg.Logger.Info("connection update", "data", string(ev.Data))

	default:
		d.cfg.Logger.Debug("ignoring event", "event", ev.Event)
	}
}

// process runs the full pipeline for one message: handoff decision,
// reply generation, formatting, delivery, fingerprinting.
func (d *Dispatcher) process(ctx context.Context, msg evolution.Message) {
	remoteJID := msg.RemoteJID()
	number := evolution.JIDToNumber(remoteJID)
	text := msg.Text()
	if number == "" || text == "" {
		return
	}

	decision := d.cfg.Engine.Decide(ctx, handoff.Event{
		ChatID:    number,
		MessageID: msg.Key.ID,
		Text:      text,
		FromMe:    msg.Key.FromMe,
	})

	logger := d.cfg.Logger.With("chat_id", number)
	logger.Debug("decision",
		"mode", decision.Mode,
		"respond", decision.Respond,
		"echo", decision.Echo,
		"reason", decision.Reason,
	)
	if !decision.Respond {
		return
	}

	var reply string
	if decision.Escalate {
		reply = chatbot.EscalationReply
	} else {
		session := d.cfg.Sessions.Get(number)
		reply = d.cfg.Bot.ProcessTurn(ctx, session, text)
		reply = evolution.FormatForWhatsApp(reply)
	}

	res, err := d.cfg.Sender.SendText(ctx, number, reply, remoteJID)
	if err != nil {
		logger.Warn("reply delivery failed", "error", err)
		return
	}

	// Register the send so its delivery echo is not mistaken for a
	// human agent typing.
	d.cfg.Fingerprints.Record(number, res.MessageID, reply)
	logger.Info("reply sent",
		"message_id", res.MessageID,
		"escalated", decision.Escalate,
	)
}
