// Package slack implements the Slack channel over Socket Mode, with the
// Web API for outbound messages and file uploads.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const defaultAPIBase = "https://slack.com/api"

// reconnectDelay is the wait between Socket Mode reconnect attempts.
const reconnectDelay = 5 * time.Second

// Channel connects to Slack using Socket Mode (no public endpoint needed)
// and sends replies through the Web API.
type Channel struct {
	*channels.BaseChannel
	config    config.SlackConfig
	workspace string
	client    *http.Client
	apiBase   string // overridable in tests
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Slack channel from config.
func New(cfg config.SlackConfig, router bus.MessageRouter, workspace string) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", router, cfg.AllowFrom),
		config:      cfg,
		workspace:   workspace,
		client:      &http.Client{Timeout: 30 * time.Second},
		apiBase:     defaultAPIBase,
	}, nil
}

// Start authenticates the bot and begins the Socket Mode read loop.
func (c *Channel) Start(ctx context.Context) error {
	// Resolve the bot's own user ID so its messages can be skipped.
	var auth struct {
		OK     bool   `json:"ok"`
		User   string `json:"user"`
		UserID string `json:"user_id"`
		Error  string `json:"error"`
	}
	if err := c.callAPI(ctx, "auth.test", c.config.BotToken, nil, &auth); err != nil {
		slog.Warn("slack auth.test failed", "error", err)
	} else if auth.OK {
		c.botUserID = auth.UserID
		slog.Info("slack bot authenticated", "user", auth.User)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go func() {
		defer close(c.done)
		for runCtx.Err() == nil {
			if err := c.connectOnce(runCtx); err != nil && runCtx.Err() == nil {
				slog.Warn("slack socket error", "error", err)
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()

	return nil
}

// Stop shuts down the Socket Mode loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			slog.Warn("slack socket loop did not exit within timeout")
		}
	}
	return nil
}

// connectOnce opens one Socket Mode connection and services it until the
// server requests a disconnect or the connection fails.
func (c *Channel) connectOnce(ctx context.Context) error {
	wsURL, err := c.socketURL(ctx)
	if err != nil {
		return err
	}

	slog.Info("connecting to slack socket mode")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("slack: ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	return c.readLoop(ctx, conn)
}

// socketURL requests a fresh Socket Mode websocket URL.
func (c *Channel) socketURL(ctx context.Context) (string, error) {
	var result struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := c.callAPI(ctx, "apps.connections.open", c.config.AppToken, nil, &result); err != nil {
		return "", err
	}
	if !result.OK {
		return "", fmt.Errorf("slack connections.open failed: %s", result.Error)
	}
	return result.URL, nil
}

// envelope is the Socket Mode frame wrapper.
type envelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Payload    struct {
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// readLoop receives Socket Mode frames. Every envelope with an
// envelope_id is acknowledged immediately; delivery retries otherwise.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return fmt.Errorf("slack: ack envelope: %w", err)
			}
		}

		switch env.Type {
		case "hello":
			slog.Info("slack socket mode connected")
		case "disconnect":
			slog.Info("slack socket mode disconnect requested")
			return nil
		case "events_api":
			c.handleEvent(ctx, env.Payload.Event)
		}
	}
}

// slackEvent is the subset of the Events API message payload we consume.
type slackEvent struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype"`
	BotID    string      `json:"bot_id"`
	User     string      `json:"user"`
	Channel  string      `json:"channel"`
	Text     string      `json:"text"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	Files    []slackFile `json:"files"`
}

type slackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

// handleEvent forwards a user message event to the bus.
func (c *Channel) handleEvent(ctx context.Context, raw json.RawMessage) {
	var event slackEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return
	}
	if event.Type != "message" {
		return
	}
	// Skip bot echoes and message edits/joins.
	if event.BotID != "" || event.Subtype != "" {
		return
	}
	if c.botUserID != "" && event.User == c.botUserID {
		return
	}
	if event.User == "" || event.Channel == "" {
		return
	}

	threadTS := event.ThreadTS
	if threadTS == "" {
		threadTS = event.TS
	}

	var contentParts []string
	if event.Text != "" {
		contentParts = append(contentParts, event.Text)
	}

	var mediaPaths []string
	for _, f := range event.Files {
		path, err := c.downloadFile(ctx, f)
		if err != nil {
			slog.Warn("failed to download slack attachment", "file", f.Name, "error", err)
			contentParts = append(contentParts, fmt.Sprintf("[attachment: %s - download failed]", f.Name))
			continue
		}
		mediaPaths = append(mediaPaths, path)
		contentParts = append(contentParts, fmt.Sprintf("[attachment: %s]", path))
	}

	content := strings.Join(contentParts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	c.HandleMessage(event.User, event.Channel, content, mediaPaths, map[string]string{
		"message_ts": event.TS,
		"thread_ts":  threadTS,
		"reply_to":   threadTS,
	})
}

// downloadFile fetches a private Slack file into the shared media directory.
func (c *Channel) downloadFile(ctx context.Context, f slackFile) (string, error) {
	url := f.URLPrivateDownload
	if url == "" {
		url = f.URLPrivate
	}
	if url == "" {
		return "", fmt.Errorf("no download URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".nanoclaw", "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := f.Name
	if name == "" {
		name = "attachment"
	}
	name = strings.ReplaceAll(name, "/", "_")
	id := f.ID
	if id == "" {
		id = "file"
	}
	dest := filepath.Join(dir, id+"_"+name)

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// Send delivers an outbound message: embedded file references are
// uploaded first, then the remaining text goes out via chat.postMessage
// with rate-limit retries.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	text, extracted := channels.ExtractMedia(msg.Content, c.workspace)
	attachments := append(msg.Media, extracted...)

	for _, att := range attachments {
		if err := c.uploadFile(ctx, msg.ChatID, att.Path); err != nil {
			slog.Warn("slack file upload failed", "path", att.Path, "error", err)
		}
	}

	if text == "" {
		return nil
	}

	payload := map[string]any{
		"channel": msg.ChatID,
		"text":    text,
	}
	if threadTS := msg.Metadata["reply_to"]; threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat.postMessage", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.config.BotToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt == 2 {
				return fmt.Errorf("send slack message: %w", err)
			}
			time.Sleep(time.Second)
			continue
		}

		var result struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("parse slack response: %w", decodeErr)
		}
		if result.OK {
			return nil
		}
		if result.Error == "ratelimited" {
			delay := time.Second
			if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
			slog.Warn("slack rate limited", "retry_after", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return fmt.Errorf("slack chat.postMessage error: %s", result.Error)
	}
	return fmt.Errorf("slack chat.postMessage retries exhausted")
}

// uploadFile pushes a local file to a Slack channel via files.upload.
func (c *Channel) uploadFile(ctx context.Context, channelID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("channels", channelID); err != nil {
		return err
	}
	filename := filepath.Base(path)
	if err := w.WriteField("filename", filename); err != nil {
		return err
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/files.upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("upload rejected: %s", result.Error)
	}
	return nil
}

// callAPI issues a POST to a Slack Web API method and decodes the JSON reply.
func (c *Channel) callAPI(ctx context.Context, method, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("slack %s: parse response: %w", method, err)
	}
	return nil
}
