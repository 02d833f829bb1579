package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// buildMessages assembles the LM context for one turn: system prompt,
// bounded history tail, then the current user entry with any inbound
// images attached for vision-capable models.
func (l *Loop) buildMessages(t turn) []providers.Message {
	messages := make([]providers.Message, 0, l.historyLimit+2)
	messages = append(messages, providers.Message{
		Role:    "system",
		Content: l.systemPrompt(t.channel),
	})

	messages = append(messages, l.sessions.GetHistoryTail(t.sessionKey, l.historyLimit)...)

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: t.userEntry,
		Images:  loadImages(t.media),
	})
	return messages
}

func (l *Loop) systemPrompt(channel string) string {
	var sb strings.Builder
	sb.WriteString("You are nanoclaw, a helpful AI assistant reachable through chat channels.\n\n")
	fmt.Fprintf(&sb, "Current time: %s\n", time.Now().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Channel: %s\n", channel)
	if l.workspace != "" {
		fmt.Fprintf(&sb, "Workspace: %s\n", l.workspace)
		sb.WriteString("Files you create should live inside the workspace. Reference saved files by path in your reply and the channel will attach them.\n")
	}
	sb.WriteString("\nUse the available tools when a task needs them. ")
	sb.WriteString("Keep replies concise and formatted for chat. ")
	sb.WriteString("Messages prefixed with [System: ...] are runtime notifications such as finished background tasks or scheduled jobs; relay their outcome to the user naturally.\n")

	if l.extraSystemPrompt != "" {
		sb.WriteString("\n")
		sb.WriteString(l.extraSystemPrompt)
		sb.WriteString("\n")
	}
	return sb.String()
}
