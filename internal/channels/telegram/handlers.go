package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	// They have no text, caption, or media worth forwarding.
	if isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	// Stable numeric ID, with username kept for allowlist compatibility.
	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", senderID, user.Username)
	}

	chatID := message.Chat.ID
	chatIDStr := fmt.Sprintf("%d", chatID)
	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", chatID,
		"user_id", user.ID,
		"username", user.Username,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if handled := c.handleBotCommand(ctx, message, chatID); handled {
		return
	}

	// Build content from text and/or caption.
	var contentParts []string
	if message.Text != "" {
		contentParts = append(contentParts, message.Text)
	}
	if message.Caption != "" {
		contentParts = append(contentParts, message.Caption)
	}

	// Download attached media and reference each file in the content.
	var mediaPaths []string
	for _, m := range c.resolveMedia(ctx, message) {
		if m.FilePath == "" {
			contentParts = append(contentParts, fmt.Sprintf("[%s: download failed]", m.Type))
			continue
		}
		mediaPaths = append(mediaPaths, m.FilePath)

		switch m.Type {
		case "voice", "audio":
			transcript, err := c.transcribeAudio(ctx, m.FilePath)
			if err != nil {
				slog.Warn("telegram transcription failed", "file", m.FilePath, "error", err)
			}
			if transcript != "" {
				contentParts = append(contentParts, fmt.Sprintf("[transcription: %s]", transcript))
			} else {
				contentParts = append(contentParts, fmt.Sprintf("[attachment: %s]", m.FilePath))
			}
		default:
			contentParts = append(contentParts, fmt.Sprintf("[attachment: %s]", m.FilePath))
		}
	}

	content := strings.Join(contentParts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	// Typing indicator while the agent works on the reply.
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))

	c.HandleMessage(senderID, chatIDStr, content, mediaPaths, map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    fmt.Sprintf("%d", user.ID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", isGroup),
	})
}

// isServiceMessage returns true if the Telegram message is a service
// message (member added/removed, title changed, pinned, etc.) rather
// than a user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}

	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}

	return true
}
