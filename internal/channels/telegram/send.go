package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

// Send delivers an outbound message through Telegram. File references
// embedded in the content are extracted and sent as typed attachments;
// the remaining text goes out as HTML with a single plain-text retry on
// parse failure.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat_id %q: %w", msg.ChatID, err)
	}

	text, extracted := channels.ExtractMedia(msg.Content, c.workspace)
	attachments := append(msg.Media, extracted...)

	for _, att := range attachments {
		if err := c.sendAttachment(ctx, chatID, att); err != nil {
			slog.Warn("failed to send telegram attachment", "path", att.Path, "error", err)
		}
	}

	if text == "" {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	params := tu.Message(tu.ID(chatID), toTelegramHTML(text))
	params.ParseMode = telego.ModeHTML
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		// Telegram rejects malformed HTML wholesale; fall back to the raw text.
		slog.Warn("telegram HTML send failed, retrying as plain text", "error", err)
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

// sendAttachment uploads a single file with the API method matching its kind.
func (c *Channel) sendAttachment(ctx context.Context, chatID int64, att bus.MediaAttachment) error {
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	name := filepath.Base(att.Path)
	caption := att.Caption

	switch att.ContentType {
	case channels.MediaImage:
		if caption == "" {
			caption = "\U0001F4F8 " + name
		}
		_, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID:  tu.ID(chatID),
			Photo:   telego.InputFile{File: f},
			Caption: caption,
		})
	case channels.MediaAudio:
		if caption == "" {
			caption = "\U0001F3B5 " + name
		}
		_, err = c.bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID:  tu.ID(chatID),
			Audio:   telego.InputFile{File: f},
			Caption: caption,
			Title:   name,
		})
	case channels.MediaVideo:
		if caption == "" {
			caption = "\U0001F3AC " + name
		}
		_, err = c.bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID:  tu.ID(chatID),
			Video:   telego.InputFile{File: f},
			Caption: caption,
		})
	default:
		if caption == "" {
			caption = "\U0001F4C4 " + name
		}
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID:   tu.ID(chatID),
			Document: telego.InputFile{File: f},
			Caption:  caption,
		})
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", att.ContentType, err)
	}
	return nil
}
