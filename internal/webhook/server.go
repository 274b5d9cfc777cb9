package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xtalento/xbot/internal/audit"
	"github.com/xtalento/xbot/internal/buildinfo"
	"github.com/xtalento/xbot/internal/chatbot"
	"github.com/xtalento/xbot/internal/convstate"
	"github.com/xtalento/xbot/internal/evolution"
	"github.com/xtalento/xbot/internal/handoff"
)

// maxWebhookBody bounds webhook payload reads. Baileys messages with
// media metadata run large; 4 MiB is far beyond any text event.
const maxWebhookBody = 4 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address string
	Port    int

	Dispatcher *Dispatcher
	Evolution  *evolution.Client
	Store      *convstate.Store
	Blocklist  *handoff.Blocklist
	Audit      *audit.Log // optional
	Sessions   *chatbot.Sessions

	Instance         string
	PublicWebhookURL string
	WebhookByEvents  bool

	Logger *slog.Logger
}

// Server is the HTTP server: the Evolution webhook sink plus the
// operator surface for sessions and handoffs.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *http.Server
}

// NewServer creates the HTTP server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting webhook server",
		"address", s.cfg.Address,
		"port", s.cfg.Port,
		"instance", s.cfg.Instance,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Evolution-facing endpoints
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /register_webhook", s.handleRegisterWebhook)
	mux.HandleFunc("GET /check_webhook", s.handleCheckWebhook)

	// Health and version
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Conversation sessions
	mux.HandleFunc("GET /sessions", s.handleSessionsList)
	mux.HandleFunc("DELETE /sessions", s.handleSessionsClear)
	mux.HandleFunc("DELETE /sessions/{chatID}", s.handleSessionDelete)

	// Handoff operator surface. The literal /audit and /release routes
	// win over the {chatID} wildcard, so "audit" and "release" are not
	// usable chat IDs; phone numbers never collide with them.
	mux.HandleFunc("GET /v1/handoffs", s.handleHandoffsList)
	mux.HandleFunc("GET /v1/handoffs/audit", s.handleAuditRecent)
	mux.HandleFunc("POST /v1/handoffs/release", s.handleReleaseAll)
	mux.HandleFunc("GET /v1/handoffs/{chatID}", s.handleHandoffGet)
	mux.HandleFunc("POST /v1/handoffs/{chatID}/pause", s.handleHandoffPause)
	mux.HandleFunc("POST /v1/handoffs/{chatID}/release", s.handleHandoffRelease)
	mux.HandleFunc("GET /v1/handoffs/{chatID}/audit", s.handleHandoffAudit)

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleWebhook is the Evolution event sink. It always answers 200 so
// Evolution never retries: a redelivered message event would just be
// answered twice.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, map[string]any{"ok": false, "error": "read body"}, s.logger)
		return
	}

	ev, err := evolution.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("undecodable webhook payload", "error", err)
		writeJSON(w, map[string]any{"ok": false, "error": "bad payload"}, s.logger)
		return
	}

	s.cfg.Dispatcher.HandleEvent(ev)
	writeJSON(w, map[string]any{"ok": true}, s.logger)
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Evolution.RegisterWebhook(r.Context(), s.cfg.PublicWebhookURL, s.cfg.WebhookByEvents)
	if err != nil {
		status := 0
		if res != nil {
			status = res.Status
		}
		writeJSON(w, map[string]any{"ok": false, "status": status, "error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "status": res.Status}, s.logger)
}

func (s *Server) handleCheckWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Evolution.FindWebhook(r.Context())
	if err != nil {
		status := 0
		body := ""
		if res != nil {
			status, body = res.Status, res.Body
		}
		writeJSON(w, map[string]any{"status": status, "body": body, "error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"status": res.Status, "body": json.RawMessage(res.Body)}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ok": true, "instance": s.cfg.Instance}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.cfg.Sessions.List()}, s.logger)
}

func (s *Server) handleSessionsClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.cfg.Sessions.Clear()
	writeJSON(w, map[string]any{"ok": true, "cleared": cleared}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	s.cfg.Sessions.Delete(chatID)
	writeJSON(w, map[string]any{"ok": true}, s.logger)
}

// handoffView is the JSON shape for a conversation record.
type handoffView struct {
	ChatID         string `json:"chat_id"`
	Mode           string `json:"mode"`
	Reason         string `json:"reason,omitempty"`
	ChangedBy      string `json:"changed_by,omitempty"`
	LastActivity   string `json:"last_activity,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	PreviousMode   string `json:"previous_mode,omitempty"`
	PreviousReason string `json:"previous_reason,omitempty"`
}

func viewRecord(rec *convstate.Record) handoffView {
	v := handoffView{
		ChatID:         rec.ChatID,
		Mode:           string(rec.Mode),
		Reason:         rec.Reason,
		ChangedBy:      rec.ChangedBy,
		PreviousMode:   string(rec.PreviousMode),
		PreviousReason: rec.PreviousReason,
	}
	if !rec.LastActivity.IsZero() {
		v.LastActivity = rec.LastActivity.UTC().Format(time.RFC3339)
	}
	if !rec.UpdatedAt.IsZero() {
		v.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleHandoffsList(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.List(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": err.Error()}, s.logger)
		return
	}

	views := make([]handoffView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewRecord(rec))
	}
	writeJSON(w, map[string]any{"handoffs": views}, s.logger)
}

func (s *Server) handleHandoffGet(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	rec, err := s.cfg.Store.Get(r.Context(), chatID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": err.Error()}, s.logger)
		return
	}
	if rec == nil {
		// No record means the implicit default.
		writeJSON(w, handoffView{ChatID: chatID, Mode: string(convstate.ModeBot)}, s.logger)
		return
	}
	writeJSON(w, viewRecord(rec), s.logger)
}

// handleHandoffPause parks a chat with a human by operator request.
func (s *Server) handleHandoffPause(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	if ok := s.cfg.Store.SetMode(r.Context(), chatID, convstate.ModeHuman, handoff.ReasonManualOverride, "admin"); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]any{"ok": false, "error": "state store unavailable"}, s.logger)
		return
	}
	if s.cfg.Blocklist != nil {
		s.cfg.Blocklist.Block(chatID)
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.RecordTransition(r.Context(), chatID, convstate.ModeBot, convstate.ModeHuman, handoff.ReasonManualOverride, "admin")
	}

	s.logger.Info("chat paused by operator", "chat_id", chatID)
	writeJSON(w, map[string]any{"ok": true, "chat_id": chatID, "mode": convstate.ModeHuman}, s.logger)
}

// handleHandoffRelease hands a chat back to the bot by operator
// request, clearing the escalation lease so the bot answers right
// away.
func (s *Server) handleHandoffRelease(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")

	if ok := s.cfg.Store.SetMode(r.Context(), chatID, convstate.ModeBot, handoff.ReasonManualOverride, "admin"); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]any{"ok": false, "error": "state store unavailable"}, s.logger)
		return
	}
	if s.cfg.Blocklist != nil {
		s.cfg.Blocklist.Release(chatID)
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.RecordTransition(r.Context(), chatID, convstate.ModeHuman, convstate.ModeBot, handoff.ReasonManualOverride, "admin")
	}

	s.logger.Info("chat released by operator", "chat_id", chatID)
	writeJSON(w, map[string]any{"ok": true, "chat_id": chatID, "mode": convstate.ModeBot}, s.logger)
}

// handleReleaseAll hands every human-owned chat back to the bot. This
// is the end-of-shift reset: agents go home, the bot takes over the
// whole queue at once.
func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.List(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"ok": false, "error": err.Error()}, s.logger)
		return
	}

	var released []string
	for _, rec := range records {
		if rec.Mode != convstate.ModeHuman {
			continue
		}
		if ok := s.cfg.Store.SetMode(r.Context(), rec.ChatID, convstate.ModeBot, handoff.ReasonManualOverride, "admin"); !ok {
			continue
		}
		if s.cfg.Blocklist != nil {
			s.cfg.Blocklist.Release(rec.ChatID)
		}
		if s.cfg.Audit != nil {
			s.cfg.Audit.RecordTransition(r.Context(), rec.ChatID, convstate.ModeHuman, convstate.ModeBot, handoff.ReasonManualOverride, "admin")
		}
		released = append(released, rec.ChatID)
	}

	s.logger.Info("all chats released by operator", "count", len(released))
	writeJSON(w, map[string]any{"ok": true, "released": released}, s.logger)
}

type transitionView struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
	ChangedBy string `json:"changed_by"`
	CreatedAt string `json:"created_at"`
}

func viewTransitions(transitions []audit.Transition) []transitionView {
	views := make([]transitionView, 0, len(transitions))
	for _, t := range transitions {
		views = append(views, transitionView{
			ID:        t.ID,
			ChatID:    t.ChatID,
			From:      string(t.From),
			To:        string(t.To),
			Reason:    t.Reason,
			ChangedBy: t.ChangedBy,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return views
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": "audit log not configured"}, s.logger)
		return
	}

	transitions, err := s.cfg.Audit.Recent(r.Context(), 100)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"transitions": viewTransitions(transitions)}, s.logger)
}

func (s *Server) handleHandoffAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"error": "audit log not configured"}, s.logger)
		return
	}

	chatID := r.PathValue("chatID")
	transitions, err := s.cfg.Audit.ForChat(r.Context(), chatID, 100)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"error": err.Error()}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"chat_id": chatID, "transitions": viewTransitions(transitions)}, s.logger)
}
