package bus

import (
	"context"
	"time"
)

// Metadata keys recognized across the runtime.
const (
	// MetaInternal marks messages produced by the runtime itself (cron,
	// subagents). Internal messages bypass channel rate limits and the
	// free-plan gate.
	MetaInternal = "internal"

	// MetaReplyTo / MetaThreadTS / MetaMessageTS carry platform thread
	// identifiers so replies land in the right thread.
	MetaReplyTo   = "reply_to"
	MetaThreadTS  = "thread_ts"
	MetaMessageTS = "message_ts"

	// MetaSessionKeyOverride pins the conversation to an explicit session
	// key instead of the derived "{channel}:{chat_id}".
	MetaSessionKeyOverride = "session_key_override"
)

// InboundMessage represents a message received from a channel (Telegram, Slack, etc.)
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionKey returns the conversation key used for session lookup:
// the metadata override when present, otherwise "{channel}:{chat_id}".
func (m InboundMessage) SessionKey() string {
	if key := m.Metadata[MetaSessionKeyOverride]; key != "" {
		return key
	}
	return m.Channel + ":" + m.ChatID
}

// IsInternal reports whether the message was produced by the runtime
// itself rather than an end user.
func (m InboundMessage) IsInternal() bool {
	return m.Metadata[MetaInternal] == "true"
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, bool)
	RegisterOutbound(channel string)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context, channel string, timeout time.Duration) (OutboundMessage, bool)
}
