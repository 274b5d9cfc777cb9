package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtalento/xbot/internal/audit"
	"github.com/xtalento/xbot/internal/convstate"
	"github.com/xtalento/xbot/internal/handoff"
)

func newServerFixture(t *testing.T) (*Server, *fixture) {
	t.Helper()
	fx := newFixture(t, "respuesta")

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	srv := NewServer(ServerConfig{
		Dispatcher: fx.dispatcher,
		Store:      fx.store,
		Blocklist:  fx.blocklist,
		Audit:      auditLog,
		Sessions:   fx.sessions,
		Instance:   "test",
		Logger:     slog.New(slog.DiscardHandler),
	})
	return srv, fx
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newServerFixture(t)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["ok"] != true || resp["instance"] != "test" {
		t.Errorf("body = %v", resp)
	}
}

func TestWebhookAcceptsAndQueues(t *testing.T) {
	srv, fx := newServerFixture(t)

	payload := `{
		"event": "messages.upsert",
		"data": {"key": {"remoteJid": "57300@s.whatsapp.net", "id": "m1"}, "message": {"conversation": "hola"}}
	}`
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/webhook", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(fx.dispatcher.jobs) != 1 {
		t.Errorf("queue depth = %d, want 1", len(fx.dispatcher.jobs))
	}
}

func TestWebhookBadPayloadStill200(t *testing.T) {
	srv, _ := newServerFixture(t)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/webhook", "not json at all")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so Evolution does not retry", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["ok"] != false {
		t.Errorf("body = %v", resp)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	srv, fx := newServerFixture(t)
	fx.sessions.Get("573001112233")

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/sessions", "")
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0] != "573001112233" {
		t.Errorf("sessions = %v", resp.Sessions)
	}

	rec = doRequest(t, srv.Handler(), http.MethodDelete, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := fx.sessions.List(); len(got) != 0 {
		t.Errorf("sessions after clear = %v", got)
	}
}

func TestHandoffPauseAndRelease(t *testing.T) {
	srv, fx := newServerFixture(t)
	ctx := context.Background()

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/v1/handoffs/573001112233/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if mode := fx.store.GetMode(ctx, "573001112233"); mode != convstate.ModeHuman {
		t.Errorf("mode = %q after pause", mode)
	}
	if !fx.blocklist.Blocked("573001112233") {
		t.Error("pause did not set the lease")
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/v1/handoffs/573001112233/release", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d", rec.Code)
	}
	if mode := fx.store.GetMode(ctx, "573001112233"); mode != convstate.ModeBot {
		t.Errorf("mode = %q after release", mode)
	}
	if fx.blocklist.Blocked("573001112233") {
		t.Error("release did not drop the lease")
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/v1/handoffs/573001112233", "")
	var view handoffView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Reason != handoff.ReasonManualOverride || view.ChangedBy != "admin" {
		t.Errorf("record = %+v", view)
	}

	rec = doRequest(t, srv.Handler(), http.MethodGet, "/v1/handoffs/573001112233/audit", "")
	var auditResp struct {
		Transitions []map[string]any `json:"transitions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &auditResp)
	if len(auditResp.Transitions) != 2 {
		t.Errorf("audit rows = %d, want pause and release", len(auditResp.Transitions))
	}
}

func TestHandoffsList(t *testing.T) {
	srv, fx := newServerFixture(t)
	fx.store.SetMode(context.Background(), "c1", convstate.ModeHuman, "AGENT_INTERVENED", "agent")

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/v1/handoffs", "")
	var resp struct {
		Handoffs []handoffView `json:"handoffs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Handoffs) != 1 || resp.Handoffs[0].Mode != "HUMANO" {
		t.Errorf("handoffs = %+v", resp.Handoffs)
	}
}

func TestHandoffReleaseAll(t *testing.T) {
	srv, fx := newServerFixture(t)
	ctx := context.Background()
	fx.store.SetMode(ctx, "c1", convstate.ModeHuman, "AGENT_INTERVENED", "agent")
	fx.store.SetMode(ctx, "c2", convstate.ModeHuman, "USER_REQUESTED_AGENT", "bot")
	fx.store.SetMode(ctx, "c3", convstate.ModeBot, "", "bot")
	fx.blocklist.Block("c2")

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/v1/handoffs/release", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Released []string `json:"released"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Released) != 2 {
		t.Errorf("released = %v, want c1 and c2", resp.Released)
	}
	for _, chat := range []string{"c1", "c2", "c3"} {
		if mode := fx.store.GetMode(ctx, chat); mode != convstate.ModeBot {
			t.Errorf("mode[%s] = %q after release-all", chat, mode)
		}
	}
	if fx.blocklist.Blocked("c2") {
		t.Error("release-all did not drop the lease")
	}
}

func TestAuditRecentAcrossChats(t *testing.T) {
	srv, _ := newServerFixture(t)

	doRequest(t, srv.Handler(), http.MethodPost, "/v1/handoffs/c1/pause", "")
	doRequest(t, srv.Handler(), http.MethodPost, "/v1/handoffs/c2/pause", "")

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/v1/handoffs/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Transitions []transitionView `json:"transitions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Transitions) != 2 {
		t.Fatalf("transitions = %d, want 2", len(resp.Transitions))
	}
	chats := map[string]bool{}
	for _, tr := range resp.Transitions {
		chats[tr.ChatID] = true
	}
	if !chats["c1"] || !chats["c2"] {
		t.Errorf("audit chats = %v", chats)
	}
}

func TestHandoffGetMissingDefaultsToBot(t *testing.T) {
	srv, _ := newServerFixture(t)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/v1/handoffs/nobody", "")
	var view handoffView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Mode != "BOT" {
		t.Errorf("mode = %q for missing record, want BOT", view.Mode)
	}
}
