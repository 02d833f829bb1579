// Package whatsapp connects to an out-of-process WhatsApp bridge over a
// WebSocket. The bridge speaks the WhatsApp Web protocol; this channel
// exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	// typingInterval is how often the composing indicator is refreshed
	// while a reply is pending.
	typingInterval = 4 * time.Second

	// qrFileName is where the pairing QR lands inside the workspace.
	qrFileName = "whatsapp_qr.txt"
)

// Channel connects to a WhatsApp bridge via WebSocket.
type Channel struct {
	*channels.BaseChannel
	config    config.WhatsAppConfig
	workspace string

	mu        sync.Mutex // guards conn and connected
	conn      *websocket.Conn
	connected bool

	typingMu sync.Mutex
	typing   map[string]context.CancelFunc // chatID → repeater cancel

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, router bus.MessageRouter, workspace string) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", router, cfg.AllowFrom),
		config:      cfg,
		workspace:   workspace,
		typing:      make(map[string]context.CancelFunc),
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// Reconnect loop will keep trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.SetRunning(false)

	return nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

// writeFrame marshals and sends one JSON frame to the bridge. Thread-safe.
func (c *Channel) writeFrame(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write whatsapp frame: %w", err)
	}
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()

			continue
		}

		c.handleBridgeFrame(message)
	}
}

// bridgeFrame is the union of frames the bridge emits.
type bridgeFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	IsGroup   bool   `json:"isGroup"`
	Status    string `json:"status"`
	QR        string `json:"qr"`
	Error     string `json:"error"`
}

// handleBridgeFrame dispatches one frame received from the bridge.
func (c *Channel) handleBridgeFrame(raw []byte) {
	var frame bridgeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("invalid whatsapp frame JSON", "error", err)
		return
	}

	switch frame.Type {
	case "message":
		c.handleIncomingMessage(frame)

	case "status":
		slog.Info("whatsapp status", "status", frame.Status)
		switch frame.Status {
		case "connected":
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.removeQRFile()
		case "disconnected":
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}

	case "qr":
		if frame.QR != "" && c.workspace != "" {
			path := filepath.Join(c.workspace, qrFileName)
			if err := os.WriteFile(path, []byte(frame.QR), 0o600); err != nil {
				slog.Error("failed to write whatsapp QR code", "error", err)
			} else {
				slog.Info("whatsapp QR code written", "path", path)
			}
		}
		slog.Info("scan the QR code to connect whatsapp")

	case "error":
		slog.Error("whatsapp bridge error", "error", frame.Error)
	}
}

// removeQRFile deletes the pairing QR once the bridge reports connected.
func (c *Channel) removeQRFile() {
	if c.workspace == "" {
		return
	}
	path := filepath.Join(c.workspace, qrFileName)
	if err := os.Remove(path); err == nil {
		slog.Info("whatsapp QR code file removed")
	}
}

// handleIncomingMessage forwards one bridge message to the bus and
// starts the typing repeater for its chat.
func (c *Channel) handleIncomingMessage(frame bridgeFrame) {
	sender := frame.Sender
	if sender == "" {
		return
	}

	// sender is typically <phone>@s.whatsapp.net; the bare phone number
	// identifies the person, the full JID routes the reply.
	senderID := sender
	if idx := strings.Index(sender, "@"); idx > 0 {
		senderID = sender[:idx]
	}

	content := frame.Content
	if content == "[Voice Message]" {
		content = "[Voice Message: transcription not available for WhatsApp yet]"
	}
	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", sender,
		"preview", channels.Truncate(content, 50),
	)

	c.HandleMessage(senderID, sender, content, nil, map[string]string{
		"message_id": frame.ID,
		"timestamp":  fmt.Sprintf("%d", frame.Timestamp),
		"is_group":   fmt.Sprintf("%t", frame.IsGroup),
	})

	c.startTyping(sender)
}

// startTyping begins a repeater that re-sends the composing indicator
// every few seconds until the reply goes out.
func (c *Channel) startTyping(chatID string) {
	c.stopTyping(chatID)

	typingCtx, cancel := context.WithCancel(c.ctx)
	c.typingMu.Lock()
	c.typing[chatID] = cancel
	c.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := c.writeFrame(map[string]any{
				"type":  "typing",
				"to":    chatID,
				"state": "composing",
			}); err != nil {
				return
			}
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// stopTyping cancels the repeater and tells the bridge typing has paused.
func (c *Channel) stopTyping(chatID string) {
	c.typingMu.Lock()
	cancel := c.typing[chatID]
	delete(c.typing, chatID)
	c.typingMu.Unlock()

	if cancel != nil {
		cancel()
		_ = c.writeFrame(map[string]any{
			"type":  "typing",
			"to":    chatID,
			"state": "paused",
		})
	}
}

// Send delivers an outbound message to the bridge: embedded file
// references become typed media frames, remaining text goes as a send
// frame, and the typing repeater for the chat is stopped.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	defer c.stopTyping(msg.ChatID)

	text, extracted := channels.ExtractMedia(msg.Content, c.workspace)
	attachments := append(msg.Media, extracted...)

	for _, att := range attachments {
		if err := c.sendFile(msg.ChatID, att); err != nil {
			slog.Warn("failed to send whatsapp file", "path", att.Path, "error", err)
		}
	}

	if text == "" {
		return nil
	}

	return c.writeFrame(map[string]any{
		"type": "send",
		"to":   msg.ChatID,
		"text": text,
	})
}

// sendFile pushes one local file to the bridge as a typed media frame.
func (c *Channel) sendFile(chatID string, att bus.MediaAttachment) error {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	filename := filepath.Base(att.Path)
	mimetype := mime.TypeByExtension(filepath.Ext(att.Path))
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	switch att.ContentType {
	case channels.MediaImage:
		return c.writeFrame(map[string]any{
			"type":     "send_image",
			"to":       chatID,
			"image":    encoded,
			"caption":  "\U0001F4F8 " + filename,
			"mimetype": mimetype,
		})
	case channels.MediaAudio:
		return c.writeFrame(map[string]any{
			"type":     "send_audio",
			"to":       chatID,
			"data":     encoded,
			"mimetype": mimetype,
			"filename": filename,
		})
	case channels.MediaVideo:
		return c.writeFrame(map[string]any{
			"type":     "send_video",
			"to":       chatID,
			"data":     encoded,
			"mimetype": mimetype,
			"caption":  "\U0001F3AC " + filename,
		})
	default:
		return c.writeFrame(map[string]any{
			"type":     "send_document",
			"to":       chatID,
			"data":     encoded,
			"mimetype": mimetype,
			"filename": filename,
			"caption":  "\U0001F4C4 " + filename,
		})
	}
}
