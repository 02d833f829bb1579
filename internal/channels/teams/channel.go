// Package teams implements the Microsoft Teams channel through the Bot
// Framework REST API: a webhook server for inbound activities and
// proactive conversation replies for outbound messages.
package teams

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	defaultAuthURL     = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	defaultServiceURL  = "https://smba.trafficmanager.net/teams"
	defaultWebhookPort = 3978

	// tokenSafetyMargin is subtracted from expires_in so a token is
	// refreshed before the Bot Framework stops accepting it.
	tokenSafetyMargin = 60 * time.Second
)

// mentionPattern strips <at>Bot Name</at> mentions Teams embeds in text.
var mentionPattern = regexp.MustCompile(`<at>[^<]+</at>\s*`)

// conversationRef is what we need to route a proactive reply back into a
// conversation we have seen before.
type conversationRef struct {
	ConversationID string
	ServiceURL     string
	ChannelID      string
}

// Channel is the Teams Bot Framework adapter.
type Channel struct {
	*channels.BaseChannel
	config    config.TeamsConfig
	workspace string
	client    *http.Client
	limiter   *channels.WebhookRateLimiter
	server    *http.Server

	authURL string // overridable in tests

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	convMu        sync.RWMutex
	conversations map[string]conversationRef
}

// New creates a Teams channel from config.
func New(cfg config.TeamsConfig, router bus.MessageRouter, workspace string) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppPassword == "" {
		return nil, fmt.Errorf("teams app_id and app_password are required")
	}
	return &Channel{
		BaseChannel:   channels.NewBaseChannel("teams", router, cfg.AllowFrom),
		config:        cfg,
		workspace:     workspace,
		client:        &http.Client{Timeout: 30 * time.Second},
		limiter:       channels.NewWebhookRateLimiter(),
		authURL:       defaultAuthURL,
		conversations: make(map[string]conversationRef),
	}, nil
}

// Start launches the webhook server for Bot Framework activities.
func (c *Channel) Start(ctx context.Context) error {
	port := c.config.WebhookPort
	if port == 0 {
		port = defaultWebhookPort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", c.handleWebhook)

	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("teams webhook port %d: %w", port, err)
	}

	c.server = &http.Server{Handler: mux}
	c.SetRunning(true)
	slog.Info("teams webhook server started", "port", port)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("teams webhook server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the webhook server.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	}
	return nil
}

// activity is the subset of a Bot Framework activity we consume.
type activity struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Text       string `json:"text"`
	ServiceURL string `json:"serviceUrl"`
	ChannelID  string `json:"channelId"`
	From       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Attachments []struct {
		ContentType string `json:"contentType"`
		ContentURL  string `json:"contentUrl"`
		Name        string `json:"name"`
	} `json:"attachments"`
}

// handleWebhook receives Bot Framework activities.
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !c.limiter.Allow(host) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var act activity
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&act); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	switch act.Type {
	case "conversationUpdate":
		// Bot added to a chat; remember where to reply.
		slog.Info("teams conversation update received")
		c.storeConversationRef(act)
	case "message":
		c.storeConversationRef(act)
		c.handleMessageActivity(r.Context(), act)
	default:
		slog.Debug("teams activity ignored", "type", act.Type)
	}

	w.WriteHeader(http.StatusOK)
}

// handleMessageActivity forwards a user message to the bus.
func (c *Channel) handleMessageActivity(ctx context.Context, act activity) {
	senderID := act.From.ID
	conversationID := act.Conversation.ID

	text := strings.TrimSpace(mentionPattern.ReplaceAllString(act.Text, ""))
	if senderID == "" || conversationID == "" || text == "" {
		return
	}

	contentParts := []string{text}
	var mediaPaths []string

	for _, att := range act.Attachments {
		if att.ContentURL == "" {
			continue
		}
		path, err := c.downloadAttachment(ctx, att.ContentURL, att.Name)
		if err != nil {
			slog.Warn("failed to download teams attachment", "name", att.Name, "error", err)
			name := att.Name
			if name == "" {
				name = "attachment"
			}
			contentParts = append(contentParts, fmt.Sprintf("[attachment: %s - download failed]", name))
			continue
		}
		mediaPaths = append(mediaPaths, path)
		contentParts = append(contentParts, fmt.Sprintf("[attachment: %s]", path))
	}

	c.HandleMessage(senderID, conversationID, strings.Join(contentParts, "\n"), mediaPaths, map[string]string{
		"activity_id": act.ID,
		"reply_to":    act.ID,
		"sender_name": act.From.Name,
	})
}

// downloadAttachment fetches an activity attachment into the shared media directory.
func (c *Channel) downloadAttachment(ctx context.Context, contentURL, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return "", err
	}
	if token, err := c.accessTokenFor(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

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

	if name == "" {
		name = "attachment"
	}
	name = strings.ReplaceAll(name, "/", "_")
	dest := filepath.Join(dir, fmt.Sprintf("teams_%d_%s", time.Now().Unix(), name))

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

// storeConversationRef remembers routing data for proactive replies.
func (c *Channel) storeConversationRef(act activity) {
	if act.Conversation.ID == "" {
		return
	}
	serviceURL := act.ServiceURL
	if serviceURL == "" {
		serviceURL = defaultServiceURL
	}
	channelID := act.ChannelID
	if channelID == "" {
		channelID = "msteams"
	}
	c.convMu.Lock()
	c.conversations[act.Conversation.ID] = conversationRef{
		ConversationID: act.Conversation.ID,
		ServiceURL:     serviceURL,
		ChannelID:      channelID,
	}
	c.convMu.Unlock()
}

// Send delivers an outbound message as a proactive conversation activity.
// Local file references become base64 data-URL attachments; remote image
// links stay inline as plain links.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.convMu.RLock()
	ref, ok := c.conversations[msg.ChatID]
	c.convMu.RUnlock()
	if !ok {
		return fmt.Errorf("no conversation reference for chat_id %q", msg.ChatID)
	}

	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return fmt.Errorf("teams access token: %w", err)
	}

	text, extracted := channels.ExtractMedia(msg.Content, c.workspace)
	attachments := append(msg.Media, extracted...)

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities", ref.ServiceURL, url.PathEscape(ref.ConversationID))

	if text != "" {
		payload := map[string]any{
			"type":       "message",
			"text":       text,
			"textFormat": "markdown",
		}
		if replyTo := msg.Metadata["reply_to"]; replyTo != "" {
			payload["replyToId"] = replyTo
		}
		if err := c.postActivity(ctx, endpoint, token, payload); err != nil {
			return err
		}
	}

	for _, att := range attachments {
		if err := c.sendFile(ctx, endpoint, token, att.Path); err != nil {
			slog.Warn("failed to send teams file", "path", att.Path, "error", err)
		}
	}

	return nil
}

// sendFile posts one local file as a base64 data-URL attachment activity.
func (c *Channel) sendFile(ctx context.Context, endpoint, token, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	payload := map[string]any{
		"type": "message",
		"attachments": []map[string]any{{
			"contentType": contentType,
			"contentUrl":  fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)),
			"name":        filepath.Base(path),
		}},
	}
	return c.postActivity(ctx, endpoint, token, payload)
}

// postActivity POSTs an activity with rate-limit retries.
func (c *Channel) postActivity(ctx context.Context, endpoint, token string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt == 2 {
				return fmt.Errorf("send teams activity: %w", err)
			}
			time.Sleep(time.Second)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			delay := time.Second
			if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
			slog.Warn("teams rate limited", "retry_after", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return fmt.Errorf("teams send error: %d %s", resp.StatusCode, string(respBody))
	}
	return fmt.Errorf("teams send retries exhausted")
}

// accessTokenFor returns a cached Bot Framework OAuth token, refreshing
// it via client_credentials when it is within the safety margin of expiry.
func (c *Channel) accessTokenFor(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSafetyMargin)) {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.config.AppID},
		"client_secret": {c.config.AppPassword},
		"scope":         {"https://api.botframework.com/.default"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int    `json:"expires_in"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("auth failed: %s", result.ErrorDescription)
	}

	expiresIn := result.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	slog.Debug("teams access token refreshed")
	return c.accessToken, nil
}
