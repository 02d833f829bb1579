package tools

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// MessageTool sends a message to the current chat immediately, without
// waiting for the LLM to finish the turn. Useful for progress updates
// during long-running work.
type MessageTool struct {
	router bus.MessageRouter
}

func NewMessageTool(router bus.MessageRouter) *MessageTool {
	return &MessageTool{router: router}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the current turn finishes"
}
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text to send",
			},
			"media": map[string]interface{}{
				"type":        "string",
				"description": "Optional local file path to attach",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("Error: content is required")
	}

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	if channel == "" || chatID == "" {
		return ErrorResult("Error: no chat context available")
	}

	out := bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	}
	if media, _ := args["media"].(string); media != "" {
		out.Media = append(out.Media, bus.MediaAttachment{Path: media})
	}

	t.router.PublishOutbound(out)
	return SilentResult("Message sent.")
}
