package teams

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func newTestChannel(t *testing.T) (*Channel, *bus.MessageBus) {
	t.Helper()
	router := bus.NewMessageBus(16)
	c, err := New(config.TeamsConfig{AppID: "app-1", AppPassword: "secret"}, router, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, router
}

func postActivityJSON(t *testing.T, c *Channel, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:5555"
	w := httptest.NewRecorder()
	c.handleWebhook(w, req)
	return w
}

func TestWebhookMessagePublishesAndStripsMention(t *testing.T) {
	c, router := newTestChannel(t)

	w := postActivityJSON(t, c, `{
		"type": "message",
		"id": "act-1",
		"text": "<at>nanoclaw</at> summarize the report",
		"serviceUrl": "https://svc.example.com",
		"from": {"id": "29:user", "name": "Sam"},
		"conversation": {"id": "conv-1"}
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	msg, ok := router.ConsumeInbound(context.Background(), 2*time.Second)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if msg.Content != "summarize the report" {
		t.Errorf("mention not stripped: %q", msg.Content)
	}
	if msg.SenderID != "29:user" || msg.ChatID != "conv-1" {
		t.Errorf("sender/chat = %q/%q", msg.SenderID, msg.ChatID)
	}
	if msg.Metadata["reply_to"] != "act-1" {
		t.Errorf("reply_to = %q", msg.Metadata["reply_to"])
	}

	c.convMu.RLock()
	ref, found := c.conversations["conv-1"]
	c.convMu.RUnlock()
	if !found || ref.ServiceURL != "https://svc.example.com" {
		t.Errorf("conversation ref not stored: %+v", ref)
	}
}

func TestWebhookConversationUpdateStoresRef(t *testing.T) {
	c, router := newTestChannel(t)

	postActivityJSON(t, c, `{
		"type": "conversationUpdate",
		"serviceUrl": "https://svc.example.com",
		"conversation": {"id": "conv-2"}
	}`)

	if _, ok := router.ConsumeInbound(context.Background(), 100*time.Millisecond); ok {
		t.Fatal("conversationUpdate must not publish an inbound message")
	}
	c.convMu.RLock()
	_, found := c.conversations["conv-2"]
	c.convMu.RUnlock()
	if !found {
		t.Error("conversation ref not stored for conversationUpdate")
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	c, _ := newTestChannel(t)
	w := postActivityJSON(t, c, "{nope")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhookRateLimitsPerSource(t *testing.T) {
	c, _ := newTestChannel(t)
	body := `{"type": "typing"}`

	for i := 0; i < 30; i++ {
		if w := postActivityJSON(t, c, body); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, w.Code)
		}
	}
	if w := postActivityJSON(t, c, body); w.Code != http.StatusTooManyRequests {
		t.Errorf("31st request: status = %d, want 429", w.Code)
	}
}

func TestAccessTokenCachedUntilMargin(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.FormValue("grant_type"))
		}
		if r.FormValue("scope") != "https://api.botframework.com/.default" {
			t.Errorf("scope = %q", r.FormValue("scope"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", calls),
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	c, _ := newTestChannel(t)
	c.authURL = srv.URL

	tok1, err := c.accessTokenFor(context.Background())
	if err != nil {
		t.Fatalf("accessTokenFor: %v", err)
	}
	tok2, err := c.accessTokenFor(context.Background())
	if err != nil {
		t.Fatalf("accessTokenFor: %v", err)
	}
	if tok1 != "tok-1" || tok2 != "tok-1" {
		t.Errorf("expected cached token, got %q then %q", tok1, tok2)
	}
	if calls != 1 {
		t.Errorf("expected 1 auth call, got %d", calls)
	}
}

func TestAccessTokenRefreshedInsideMargin(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Expires inside the 60s safety margin, so every call refreshes.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", calls),
			"expires_in":   30,
		})
	}))
	defer srv.Close()

	c, _ := newTestChannel(t)
	c.authURL = srv.URL

	c.accessTokenFor(context.Background())
	tok, _ := c.accessTokenFor(context.Background())
	if tok != "tok-2" {
		t.Errorf("expected refreshed token tok-2, got %q", tok)
	}
	if calls != 2 {
		t.Errorf("expected 2 auth calls, got %d", calls)
	}
}

func TestSendRoutesThroughConversationRef(t *testing.T) {
	var gotPath, gotAuth string
	var payload map[string]any
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
	}))
	defer svc.Close()

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "bf-token", "expires_in": 3600})
	}))
	defer auth.Close()

	c, _ := newTestChannel(t)
	c.authURL = auth.URL
	postActivityJSON(t, c, fmt.Sprintf(`{
		"type": "message",
		"id": "act-9",
		"text": "hello",
		"serviceUrl": %q,
		"from": {"id": "29:u"},
		"conversation": {"id": "conv-9"}
	}`, svc.URL))

	err := c.Send(context.Background(), bus.OutboundMessage{
		Channel:  "teams",
		ChatID:   "conv-9",
		Content:  "done, see **results**",
		Metadata: map[string]string{"reply_to": "act-9"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/v3/conversations/conv-9/activities" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer bf-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if payload["text"] != "done, see **results**" || payload["textFormat"] != "markdown" {
		t.Errorf("payload = %v", payload)
	}
	if payload["replyToId"] != "act-9" {
		t.Errorf("replyToId = %v", payload["replyToId"])
	}
}

func TestSendWithoutConversationRefFails(t *testing.T) {
	c, _ := newTestChannel(t)
	err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "unknown", Content: "x"})
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}
