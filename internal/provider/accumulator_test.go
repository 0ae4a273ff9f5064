package provider

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestAccumulatorFeedDeltaChunks(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{Content: "Hello"})
	acc.Feed(&schema.Message{Content: ", world"})
	acc.Feed(&schema.Message{Content: "!"})

	assert.Equal(t, "Hello, world!", acc.Text())
	assert.Equal(t, "!", acc.FinalText())
}

func TestAccumulatorFeedCumulativeChunks(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{Content: "Hello"})
	acc.Feed(&schema.Message{Content: "Hello, world"})
	acc.Feed(&schema.Message{Content: "Hello, world!"})

	assert.Equal(t, "Hello, world!", acc.Text())
	assert.Equal(t, "Hello, world!", acc.FinalText())
}

func TestAccumulatorReasoning(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{ReasoningContent: "let me think"})
	acc.Feed(&schema.Message{ReasoningContent: "... about it"})
	assert.Equal(t, "let me think... about it", acc.Reasoning())
}

func TestAccumulatorToolCallsByID(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{ToolCalls: []schema.ToolCall{
		{ID: "call_1", Function: schema.FunctionCall{Name: "read"}},
	}})
	acc.Feed(&schema.Message{ToolCalls: []schema.ToolCall{
		{ID: "call_1", Function: schema.FunctionCall{Arguments: `{"path":`}},
	}})
	acc.Feed(&schema.Message{ToolCalls: []schema.ToolCall{
		{ID: "call_1", Function: schema.FunctionCall{Arguments: `"a.go"}`}},
	}})

	calls := acc.ToolCalls()
	if assert.Len(t, calls, 1) {
		assert.Equal(t, "call_1", calls[0].ID)
		assert.Equal(t, "read", calls[0].Name)
		assert.JSONEq(t, `{"path":"a.go"}`, string(calls[0].Arguments))
	}
}

func TestAccumulatorToolCallsByIndex(t *testing.T) {
	idx0, idx1 := 0, 1
	acc := NewAccumulator()
	acc.Feed(&schema.Message{ToolCalls: []schema.ToolCall{
		{Index: &idx0, ID: "call_a", Function: schema.FunctionCall{Name: "read", Arguments: `{"path":"a"}`}},
		{Index: &idx1, ID: "call_b", Function: schema.FunctionCall{Name: "grep", Arguments: `{"q":"b"}`}},
	}})

	calls := acc.ToolCalls()
	if assert.Len(t, calls, 2) {
		assert.Equal(t, "read", calls[0].Name)
		assert.Equal(t, "grep", calls[1].Name)
	}
}

func TestAccumulatorUsageAndFinishReason(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{
		Content: "done",
		ResponseMeta: &schema.ResponseMeta{
			FinishReason: "stop",
			Usage:        &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
		},
	})

	in, out := acc.Usage()
	assert.Equal(t, 10, in)
	assert.Equal(t, 5, out)
	assert.Equal(t, "stop", acc.FinishReason())
}

func TestAccumulatorFinishReasonDefaultsToToolCalls(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{ToolCalls: []schema.ToolCall{
		{ID: "call_1", Function: schema.FunctionCall{Name: "read", Arguments: "{}"}},
	}})
	assert.Equal(t, "tool-calls", acc.FinishReason())
}

func TestAccumulatorFinishReasonDefaultsToStop(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(&schema.Message{Content: "hi"})
	assert.Equal(t, "stop", acc.FinishReason())
}

func TestAccumulatorFeedNilIsNoop(t *testing.T) {
	acc := NewAccumulator()
	acc.Feed(nil)
	assert.Equal(t, "", acc.Text())
	assert.Empty(t, acc.ToolCalls())
}
