package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// menuCommands are registered with Telegram so they show up in the
// client's command menu.
var menuCommands = []telego.BotCommand{
	{Command: "start", Description: "Start a conversation"},
	{Command: "help", Description: "Show what I can do"},
}

// syncMenuCommands registers the bot command menu with Telegram.
func (c *Channel) syncMenuCommands(ctx context.Context) error {
	if err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: menuCommands}); err != nil {
		return fmt.Errorf("set telegram commands: %w", err)
	}
	slog.Info("telegram menu commands synced")
	return nil
}

// handleBotCommand checks if the message is a bot command and handles it.
// Returns true if the message was consumed (commands never reach the agent).
func (c *Channel) handleBotCommand(ctx context.Context, message *telego.Message, chatID int64) bool {
	text := message.Text
	if len(text) == 0 || text[0] != '/' {
		return false
	}

	// Extract command (strip arguments and @botname suffix).
	cmd := strings.SplitN(text, " ", 2)[0]
	cmd = strings.SplitN(cmd, "@", 2)[0]
	cmd = strings.ToLower(cmd)

	switch cmd {
	case "/start":
		name := ""
		if message.From != nil {
			name = message.From.FirstName
		}
		greeting := fmt.Sprintf("Hi %s! I'm nanoclaw.\n\nSend me a message and I'll respond.", name)
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), greeting)); err != nil {
			slog.Warn("failed to send /start reply", "error", err)
		}

	case "/help":
		help := "I can browse the web, search, run commands, work with files, " +
			"schedule reminders, and answer questions.\n\n" +
			"Just describe what you need in plain language."
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), help)); err != nil {
			slog.Warn("failed to send /help reply", "error", err)
		}

	default:
		slog.Debug("unknown telegram command ignored", "command", cmd)
	}

	return true
}
