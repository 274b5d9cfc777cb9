package chatbot

import (
	"sync"
	"time"

	"github.com/xtalento/xbot/internal/llm"
)

// Stage is where a conversation sits in the guided sales flow.
type Stage string

const (
	StageGreeting      Stage = "GREETING"
	StageNameCity      Stage = "NAME_CITY"
	StageRole          Stage = "ROLE"
	StageServiceChoice Stage = "SERVICE_CHOICE"
	StageProvidingInfo Stage = "PROVIDING_INFO"
)

// maxHistory bounds the transcript kept per session. Older turns fall
// off the front; the system prompt is rebuilt each call so nothing
// essential is lost.
const maxHistory = 30

// Session is the per-chat conversation state. Sessions are process
// local and rebuilt from scratch after a restart, which matches how the
// guided flow restarts with a greeting.
type Session struct {
	ChatID    string
	Stage     Stage
	Name      string
	NameCity  string
	Role      string
	Service   string
	CreatedAt time.Time
	LastUsed  time.Time

	history []llm.Message
}

func newSession(chatID string) *Session {
	now := time.Now()
	return &Session{
		ChatID:    chatID,
		Stage:     StageGreeting,
		CreatedAt: now,
		LastUsed:  now,
	}
}

func (s *Session) appendHistory(role, content string) {
	s.history = append(s.history, llm.Message{Role: role, Content: content})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns a copy of the transcript so far.
func (s *Session) History() []llm.Message {
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Sessions is the registry of live conversations, one Session per chat.
// Safe for concurrent use.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Get returns the session for a chat, creating one on first contact.
func (r *Sessions) Get(chatID string) *Session {
	if chatID == "" {
		chatID = "anonymous"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[chatID]
	if !ok {
		s = newSession(chatID)
		r.sessions[chatID] = s
	}
	s.LastUsed = time.Now()
	return s
}

// List returns the chat IDs with live sessions.
func (r *Sessions) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Delete drops one chat's session. The next message starts the flow
// over with a greeting.
func (r *Sessions) Delete(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, chatID)
}

// Clear drops every session.
func (r *Sessions) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	return n
}
