// Package convo holds the in-memory conversation context the agent loop
// reads and appends to on every turn: an ordered message log with a soft
// token budget, compaction, and the invariants that keep tool_call_id
// references consistent after trimming.
package convo

import (
	"encoding/json"
)

// Role is who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the union stored in Message.Content.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of a Message's content.
type Part struct {
	Kind PartKind `json:"kind"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolUse
	ToolCallID string          `json:"toolCallID,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`

	// PartToolResult
	Output  string `json:"output,omitempty"`
	Success bool   `json:"success,omitempty"`
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content []Part `json:"content"`
}

// Context is the agent loop's view of the conversation: an ordered message
// log bounded by a message count and an approximate token budget.
type Context struct {
	messages     []Message
	systemPrompt string
	maxMessages  int
	maxTokens    int
}

// New creates a Context with the given bounds. maxMessages or maxTokens of
// 0 means unbounded for that dimension.
func New(maxMessages, maxTokens int) *Context {
	return &Context{maxMessages: maxMessages, maxTokens: maxTokens}
}

// Messages returns the current message log, oldest first. The returned
// slice is owned by the caller; it is a fresh copy.
func (c *Context) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// UpdateSystemPrompt replaces the system prompt prepended ahead of the log
// when the context is serialized for a provider call.
func (c *Context) UpdateSystemPrompt(prompt string) {
	c.systemPrompt = prompt
}

// SystemPrompt returns the current system prompt.
func (c *Context) SystemPrompt() string {
	return c.systemPrompt
}

// AddUser appends a user message with a single text part.
func (c *Context) AddUser(text string) {
	c.messages = append(c.messages, Message{Role: RoleUser, Content: []Part{{Kind: PartText, Text: text}}})
}

// AddSystem appends a system message with a single text part (distinct from
// UpdateSystemPrompt: this is an inline log entry, not the prepended prompt).
func (c *Context) AddSystem(text string) {
	c.messages = append(c.messages, Message{Role: RoleSystem, Content: []Part{{Kind: PartText, Text: text}}})
}

// AddAssistant appends an assistant message with a single text part.
func (c *Context) AddAssistant(text string) {
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: []Part{{Kind: PartText, Text: text}}})
}

// ToolCall is one call the assistant asked to make.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// AddAssistantToolCalls appends an assistant message whose content is one
// or more tool_use parts, optionally preceded by text (for models that
// stream prose before calling a tool).
func (c *Context) AddAssistantToolCalls(text string, calls []ToolCall) {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Kind: PartText, Text: text})
	}
	for _, call := range calls {
		parts = append(parts, Part{Kind: PartToolUse, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})
	}
	c.messages = append(c.messages, Message{Role: RoleAssistant, Content: parts})
}

// AddToolResult appends a tool-role message carrying the result of a single
// tool call, referencing it by toolCallID.
func (c *Context) AddToolResult(toolCallID, output string, success bool) {
	c.messages = append(c.messages, Message{
		Role:    RoleTool,
		Content: []Part{{Kind: PartToolResult, ToolCallID: toolCallID, Output: output, Success: success}},
	})
}

// EstimateTokens approximates a message log's token count at roughly one
// token per four characters of serialized text.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		for _, p := range m.Content {
			total += (len(p.Text) + len(p.Output) + 3) / 4
			total += (len(p.Arguments) + 3) / 4
		}
	}
	return total
}

// DropLastIfAssistantText removes the last message if it is an assistant
// message carrying exactly one text part equal to text, reporting whether it
// removed anything. Used to undo the interrupt stub a Loop run leaves behind
// when a caller resets a session's streaming state after interrupting it.
func (c *Context) DropLastIfAssistantText(text string) bool {
	if len(c.messages) == 0 {
		return false
	}
	last := c.messages[len(c.messages)-1]
	if last.Role != RoleAssistant || len(last.Content) != 1 {
		return false
	}
	if last.Content[0].Kind != PartText || last.Content[0].Text != text {
		return false
	}
	c.messages = c.messages[:len(c.messages)-1]
	return true
}

// Len reports the number of messages currently held.
func (c *Context) Len() int { return len(c.messages) }
