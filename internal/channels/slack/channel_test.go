package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func newTestChannel(t *testing.T, apiBase string) (*Channel, *bus.MessageBus) {
	t.Helper()
	router := bus.NewMessageBus(16)
	c, err := New(config.SlackConfig{BotToken: "xoxb-test", AppToken: "xapp-test"}, router, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if apiBase != "" {
		c.apiBase = apiBase
	}
	return c, router
}

func consumeInbound(t *testing.T, router *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	msg, ok := router.ConsumeInbound(context.Background(), 2*time.Second)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	return msg
}

func TestHandleEventPublishesUserMessage(t *testing.T) {
	c, router := newTestChannel(t, "")

	event, _ := json.Marshal(map[string]any{
		"type":    "message",
		"user":    "U123",
		"channel": "C456",
		"text":    "hello there",
		"ts":      "1724.001",
	})
	c.handleEvent(context.Background(), event)

	msg := consumeInbound(t, router)
	if msg.Channel != "slack" {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.SenderID != "U123" || msg.ChatID != "C456" {
		t.Errorf("sender/chat = %q/%q", msg.SenderID, msg.ChatID)
	}
	if msg.Content != "hello there" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.Metadata["thread_ts"] != "1724.001" {
		t.Errorf("thread_ts = %q, want message ts fallback", msg.Metadata["thread_ts"])
	}
}

func TestHandleEventSkipsBotAndSubtypeMessages(t *testing.T) {
	c, router := newTestChannel(t, "")
	c.botUserID = "UBOT"

	for _, event := range []map[string]any{
		{"type": "message", "bot_id": "B1", "user": "U1", "channel": "C1", "text": "x"},
		{"type": "message", "subtype": "message_changed", "user": "U1", "channel": "C1", "text": "x"},
		{"type": "message", "user": "UBOT", "channel": "C1", "text": "x"},
		{"type": "reaction_added", "user": "U1", "channel": "C1"},
	} {
		raw, _ := json.Marshal(event)
		c.handleEvent(context.Background(), raw)
	}

	if msg, ok := router.ConsumeInbound(context.Background(), 100*time.Millisecond); ok {
		t.Fatalf("expected no inbound message, got %+v", msg)
	}
}

func TestSocketModeAcksEnvelopes(t *testing.T) {
	acked := make(chan string, 1)

	// Fake Socket Mode endpoint: deliver one events_api envelope, then
	// wait for the ack frame.
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		env := `{"type":"events_api","envelope_id":"env-1","payload":{"event":{"type":"message","user":"U9","channel":"C9","text":"ping","ts":"1.0"}}}`
		if err := conn.Write(r.Context(), websocket.MessageText, []byte(env)); err != nil {
			return
		}

		_, raw, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var ack struct {
			EnvelopeID string `json:"envelope_id"`
		}
		if json.Unmarshal(raw, &ack) == nil {
			acked <- ack.EnvelopeID
		}
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"disconnect"}`))
	}))
	defer wsSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "apps.connections.open"):
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "url": wsURL})
		default:
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	defer apiSrv.Close()

	c, router := newTestChannel(t, apiSrv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.connectOnce(ctx); err != nil {
		t.Fatalf("connectOnce: %v", err)
	}

	select {
	case id := <-acked:
		if id != "env-1" {
			t.Errorf("acked envelope_id = %q", id)
		}
	default:
		t.Fatal("server never received an ack frame")
	}

	msg := consumeInbound(t, router)
	if msg.SenderID != "U9" || msg.Content != "ping" {
		t.Errorf("unexpected inbound: %+v", msg)
	}
}

func TestSendPostsMessageWithThread(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "chat.postMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer xoxb-test" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c, _ := newTestChannel(t, srv.URL)
	err := c.Send(context.Background(), bus.OutboundMessage{
		Channel:  "slack",
		ChatID:   "C42",
		Content:  "reply text",
		Metadata: map[string]string{"reply_to": "99.123"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["channel"] != "C42" || got["text"] != "reply text" {
		t.Errorf("payload = %v", got)
	}
	if got["thread_ts"] != "99.123" {
		t.Errorf("thread_ts = %v", got["thread_ts"])
	}
}

func TestSendRetriesOnRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "ratelimited"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c, _ := newTestChannel(t, srv.URL)
	err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "C1", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestSendUploadsExtractedFiles(t *testing.T) {
	c, _ := newTestChannel(t, "")
	reportPath := filepath.Join(c.workspace, "output")
	if err := os.MkdirAll(reportPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(reportPath, "report.pdf"), []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	var uploadedName string
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "files.upload"):
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				uploadedName = r.FormValue("filename")
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		case strings.HasSuffix(r.URL.Path, "chat.postMessage"):
			posted = true
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	defer srv.Close()
	c.apiBase = srv.URL

	err := c.Send(context.Background(), bus.OutboundMessage{
		ChatID:  "C1",
		Content: "Here is the file output/report.pdf for review",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if uploadedName != "report.pdf" {
		t.Errorf("uploaded filename = %q", uploadedName)
	}
	if !posted {
		t.Error("expected remaining text to be posted")
	}
}
