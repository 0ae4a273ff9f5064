package provider

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/tarkshell/tark/internal/convo"
)

// pendingCall accumulates one streamed tool call's arguments until its
// deltas stop arriving.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator collects a streamed completion's text and tool calls,
// generalizing the two id patterns providers use for streamed tool calls:
// OpenAI Responses-style, which splits a stream item's id (item_id) from
// its eventual call id (call_id) and references deltas by item_id; and
// Claude-style, which keys deltas by the message's content-block index and
// names the call only in the start event. Eino's schema.Message surfaces
// both as (Index, ID) on each ToolCall delta, so a single lookup key
// covers both: index when present, id otherwise.
//
// Text chunks are handled the same way the teacher's stream accumulator
// did: a provider either sends true deltas (each chunk's Content is only
// the new fragment) or cumulative content (each chunk's Content repeats
// everything sent so far). Feed detects which by checking whether the new
// chunk's Content starts with what's accumulated so far. lastChunk keeps
// the most recent chunk's raw Content, which is the "final text" side of
// the streamed-text-beats-final-text commit rule: a provider that streamed
// the full answer but then returns a short trailing-fragment-only final
// payload surfaces it here, distinct from the full running accumulation.
type Accumulator struct {
	text         strings.Builder
	lastChunk    string
	reasoning    strings.Builder
	calls        []*pendingCall
	callsByKey   map[string]*pendingCall
	finishReason string
	inputTokens  int
	outputTokens int
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{callsByKey: make(map[string]*pendingCall)}
}

// Feed folds one streamed message chunk into the accumulator.
func (a *Accumulator) Feed(msg *schema.Message) {
	if msg == nil {
		return
	}
	if msg.Content != "" {
		accumulated := a.text.String()
		if strings.HasPrefix(msg.Content, accumulated) {
			a.text.Reset()
			a.text.WriteString(msg.Content)
		} else {
			a.text.WriteString(msg.Content)
		}
		a.lastChunk = msg.Content
	}
	if msg.ReasoningContent != "" {
		a.reasoning.WriteString(msg.ReasoningContent)
	}

	for _, tc := range msg.ToolCalls {
		key := callKey(tc)
		call, ok := a.callsByKey[key]
		if !ok {
			call = &pendingCall{id: tc.ID}
			a.callsByKey[key] = call
			a.calls = append(a.calls, call)
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			call.args.WriteString(tc.Function.Arguments)
		}
	}

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.Usage != nil {
			a.inputTokens = msg.ResponseMeta.Usage.PromptTokens
			a.outputTokens = msg.ResponseMeta.Usage.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			a.finishReason = msg.ResponseMeta.FinishReason
		}
	}
}

// callKey picks the stream-stable identity for a tool-call delta: the
// content-block index when the provider sends one (Claude-style), falling
// back to the call id (OpenAI Responses-style, whose deltas repeat item_id
// via tc.ID in Eino's normalized shape).
func callKey(tc schema.ToolCall) string {
	if tc.Index != nil {
		return fmt.Sprintf("idx:%d", *tc.Index)
	}
	return tc.ID
}

// Text returns the accumulated assistant text (the "streamed" side of the
// commit rule).
func (a *Accumulator) Text() string { return a.text.String() }

// FinalText returns the most recently received chunk's raw content (the
// "final" side of the commit rule).
func (a *Accumulator) FinalText() string { return a.lastChunk }

// Reasoning returns the accumulated extended-thinking text.
func (a *Accumulator) Reasoning() string { return a.reasoning.String() }

// FinishReason returns the last non-empty finish reason seen, with "tool_use"
// mapped to "tool-calls"; any other reported reason is returned unchanged.
// When no reason was reported it returns "tool-calls" if tool calls were
// accumulated and "stop" otherwise.
func (a *Accumulator) FinishReason() string {
	switch a.finishReason {
	case "tool_use":
		return "tool-calls"
	case "":
		if len(a.calls) > 0 {
			return "tool-calls"
		}
		return "stop"
	default:
		return a.finishReason
	}
}

// Usage returns the last reported (input, output) token counts.
func (a *Accumulator) Usage() (input, output int) { return a.inputTokens, a.outputTokens }

// ToolCalls returns the accumulated tool calls in first-seen order, each
// with its argument string parsed into the convo.ToolCall shape the agent
// loop appends to the conversation context.
func (a *Accumulator) ToolCalls() []convo.ToolCall {
	out := make([]convo.ToolCall, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, convo.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: []byte(c.args.String()),
		})
	}
	return out
}
