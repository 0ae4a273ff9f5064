package convo

// Trim enforces maxMessages and maxTokens, in that order: first dropping
// the oldest messages past the count budget, then the oldest remaining
// messages past the token budget. It never produces a dangling tool result
// whose tool_use was dropped, and it elides assistant messages that have no
// parts at all rather than keeping an empty placeholder. An assistant
// message holding only tool_use parts is kept.
func (c *Context) Trim() {
	c.TrimToRecent(c.maxMessages)
	c.TrimByTokens()
}

// TrimToRecent keeps only the most recent n messages (0 means unbounded),
// dropping from the front and repairing any tool-result orphaned by the cut.
func (c *Context) TrimToRecent(n int) {
	if n <= 0 || len(c.messages) <= n {
		return
	}
	c.messages = repairOrphans(c.messages[len(c.messages)-n:])
}

// TrimByTokens drops the oldest messages until the log fits c.maxTokens
// (0 means unbounded).
func (c *Context) TrimByTokens() {
	if c.maxTokens <= 0 {
		return
	}
	for len(c.messages) > 0 && EstimateTokens(c.messages) > c.maxTokens {
		c.messages = repairOrphans(c.messages[1:])
	}
}

// repairOrphans drops every tool-result message whose tool_call_id has
// no matching tool_use part left in the slice, and elides assistant
// messages left with zero parts.
func repairOrphans(messages []Message) []Message {
	knownCalls := make(map[string]bool)
	for _, m := range messages {
		for _, p := range m.Content {
			if p.Kind == PartToolUse {
				knownCalls[p.ToolCallID] = true
			}
		}
	}

	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleTool {
			orphaned := false
			for _, p := range m.Content {
				if p.Kind == PartToolResult && !knownCalls[p.ToolCallID] {
					orphaned = true
					break
				}
			}
			if orphaned {
				continue
			}
		}
		if m.Role == RoleAssistant && len(m.Content) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CompactWithSummary replaces every message before keepRecent with a single
// system message carrying summary, preserving only the most recent
// keepRecent messages verbatim. Used when the context exceeds its token
// budget by enough that trimming one message at a time would take too long
// to converge, or when the caller wants a semantic summary instead of a
// truncated tail.
func (c *Context) CompactWithSummary(summary string, keepRecent int) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	var recent []Message
	if keepRecent > 0 && keepRecent < len(c.messages) {
		recent = repairOrphans(c.messages[len(c.messages)-keepRecent:])
	} else if keepRecent >= len(c.messages) {
		recent = c.messages
	}

	summaryMsg := Message{Role: RoleSystem, Content: []Part{{Kind: PartText, Text: summary}}}
	c.messages = append([]Message{summaryMsg}, recent...)
}
