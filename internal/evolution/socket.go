package evolution

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Socket reconnect/backoff tuning.
const (
	socketDialTimeout  = 10 * time.Second
	socketReadLimit    = 1 << 20 // Baileys payloads can be large but not unbounded
	socketMinBackoff   = time.Second
	socketMaxBackoff   = time.Minute
	socketPingInterval = 30 * time.Second
)

// Socket consumes Evolution's websocket event stream as an alternative
// to webhook delivery, for deployments where no public URL can reach
// the bot. Decoded events are handed to the same consumer the webhook
// path uses.
type Socket struct {
	url      string
	apiKey   string
	instance string
	handler  func(*WebhookEvent)
	logger   *slog.Logger
}

// NewSocket creates a websocket event source. apiURL is the Evolution
// base URL; the scheme is rewritten to ws/wss.
func NewSocket(apiURL, apiKey, instance string, handler func(*WebhookEvent), logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL := strings.Replace(apiURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	return &Socket{
		url:      strings.TrimSuffix(wsURL, "/") + "/" + instance,
		apiKey:   apiKey,
		instance: instance,
		handler:  handler,
		logger:   logger,
	}
}

// Start connects and consumes events until ctx is cancelled,
// reconnecting with exponential backoff on any failure. It blocks.
func (s *Socket) Start(ctx context.Context) {
	backoff := socketMinBackoff
	for {
		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("event socket disconnected",
				"url", s.url,
				"error", err,
				"retry_in", backoff,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, socketMaxBackoff)
	}
}

// runOnce dials the socket and pumps events until the connection dies.
func (s *Socket) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: socketDialTimeout}
	header := http.Header{"apikey": []string{s.apiKey}}

	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadLimit(socketReadLimit)
	s.logger.Info("event socket connected", "url", s.url)

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(socketPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(socketDialTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := ParseWebhook(payload)
		if err != nil {
			s.logger.Debug("undecodable socket frame", "error", err)
			continue
		}
		if ev.Event == "" {
			continue
		}
		s.handler(ev)
	}
}
