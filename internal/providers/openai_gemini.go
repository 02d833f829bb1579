package providers

// collapseToolCallsWithoutSig drops tool_call turns whose calls carry no
// thought_signature. Gemini 2.5+ rejects such turns with HTTP 400 when
// history is echoed back, which happens for sessions recorded before
// signatures were captured. Any assistant text on the turn is kept.
func collapseToolCallsWithoutSig(msgs []Message) []Message {
	drop := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				// One unsigned call poisons the whole turn.
				for _, sibling := range m.ToolCalls {
					drop[sibling.ID] = true
				}
				break
			}
		}
	}
	if len(drop) == 0 {
		return msgs
	}

	out := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && drop[m.ToolCalls[0].ID] {
			if m.Content != "" {
				out = append(out, Message{Role: "assistant", Content: m.Content})
			}
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && drop[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}
		// Tool results whose assistant turn was collapsed above.
		if m.Role == "tool" && drop[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
