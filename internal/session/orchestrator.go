package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/tarkshell/tark/internal/approval"
	"github.com/tarkshell/tark/internal/convo"
	"github.com/tarkshell/tark/internal/event"
	"github.com/tarkshell/tark/internal/policy"
	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/tool"
)

// Default bounds for Loop, overridable per-Agent (MaxIterations only) or
// per-Loop instance.
const (
	DefaultMaxIterations           = 10
	DefaultMaxToolsPerTurn         = 5
	DefaultMaxConsecutiveDuplicates = 2
)

// toolResultPreviewLen is how much of a tool's output is included in the
// ToolCompleted event and the tool_log entry surfaced in the final response.
const toolResultPreviewLen = 200

// Loop is the agent loop: it drives a bounded, streaming conversation
// against a provider.Provider, dispatching tool calls through the policy
// engine and approval gate and committing the result back to a
// convo.Context. One Loop instance is used for a single run (a single
// send_message call); internal/service constructs a fresh Loop per
// session-or reuses one bound to a session's long-lived state.
type Loop struct {
	Provider   provider.Provider
	ModelID    string
	Tools      *tool.Registry
	Policy     *policy.Engine
	Classifier *policy.Classifier
	Gate       *approval.Gate
	LoopGuard  *approval.CallLoopDetector
	DupTracker *approval.DuplicateTracker
	Bus        *event.Bus

	MaxIterations            int
	MaxToolsPerTurn          int
	MaxConsecutiveDuplicates int

	SessionID string
	WorkDir   string
	ModeID    string // policy agent_modes row: "ask" | "plan" | "build"
	TrustID   string // policy trust_levels row
}

// ToolLogEntry records one executed tool call for the final response.
type ToolLogEntry struct {
	Name          string
	Args          json.RawMessage
	ResultPreview string
	Success       bool
}

// Result is what a Run returns: the loop's outcome plus bookkeeping the
// caller (internal/service) uses to build its own response/event.
type Result struct {
	Status       string // "success" | "interrupted" | "final" | "error"
	Text         string
	InputTokens  int
	OutputTokens int
	Iterations   int
	ToolLog      []ToolLogEntry
	Err          error
}

// run holds the per-invocation state the spec's per-iteration algorithm
// describes as belonging to a single `run`.
type run struct {
	iterations           int
	toolCallsMade         int
	consecutiveDuplicates int
	lastResults           map[string]string // (tool, canonical-args-json) -> last result
	usageIn, usageOut     int
	toolLog               []ToolLogEntry
}

// Run executes one full agent-loop run: it appends nothing on its own (the
// caller adds the triggering user message to convo before calling Run) and
// drives iterations until the conversation reaches a terminal state or the
// interrupt channel fires.
func (l *Loop) Run(ctx context.Context, messageID string, convoCtx *convo.Context, interrupt <-chan struct{}) Result {
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	maxTools := l.MaxToolsPerTurn
	if maxTools <= 0 {
		maxTools = DefaultMaxToolsPerTurn
	}
	maxDup := l.MaxConsecutiveDuplicates
	if maxDup <= 0 {
		maxDup = DefaultMaxConsecutiveDuplicates
	}

	r := &run{lastResults: make(map[string]string)}
	retryBackoff := newRetryBackoff(ctx)

	l.publish(event.LlmStarted, event.LlmStartedData{SessionID: l.SessionID, MessageID: messageID})

	for {
		// 1. cooperative interrupt, checked before the call.
		if isSet(interrupt) {
			convoCtx.AddAssistant("Processing was interrupted.")
			return l.finish("interrupted", r, "", ctx.Err())
		}

		// 2. iteration cap.
		if r.iterations >= maxIter {
			convoCtx.AddAssistant("I've reached the maximum number of steps for this turn. Let me know how you'd like to continue.")
			return l.finish("final", r, "", nil)
		}

		// 3 & 4. sanitize a copy of the context for this call.
		sanitized := sanitizeForProvider(convoCtx.Messages())

		msgs := provider.ConvertConvoToEinoMessages(sanitized)
		if s := convoCtx.SystemPrompt(); s != "" {
			msgs = append([]*schema.Message{{Role: schema.System, Content: s}}, msgs...)
		}
		req := &provider.CompletionRequest{
			Model:    l.ModelID,
			Messages: msgs,
		}
		if l.Tools != nil {
			if infos, err := l.Tools.ToolInfos(); err == nil {
				req.Tools = infos
			}
		}

		stream, err := l.Provider.CreateCompletion(ctx, req)
		if err != nil {
			if retry, ok := l.backoffOrStop(retryBackoff); ok {
				if !sleepOrDone(ctx, retry) {
					return l.finish("error", r, "", ctx.Err())
				}
				continue
			}
			return l.finish("error", r, "", err)
		}

		acc := provider.NewAccumulator()
		streamErr := l.drainStream(ctx, messageID, stream, acc)
		stream.Close()

		// 6. check interrupt again after the call.
		if isSet(interrupt) {
			convoCtx.AddAssistant("Processing was interrupted.")
			return l.finish("interrupted", r, "", ctx.Err())
		}

		if streamErr != nil {
			if retry, ok := l.backoffOrStop(retryBackoff); ok {
				if !sleepOrDone(ctx, retry) {
					return l.finish("error", r, "", ctx.Err())
				}
				continue
			}
			l.publish(event.LlmError, event.LlmErrorData{SessionID: l.SessionID, MessageID: messageID, Error: streamErr.Error()})
			return l.finish("error", r, "", streamErr)
		}
		retryBackoff.Reset()

		// 7. update usage, increment iterations.
		in, out := acc.Usage()
		r.usageIn += in
		r.usageOut += out
		r.iterations++

		calls := acc.ToolCalls()
		if len(calls) == 0 {
			// 8a. text-only: streamed-beats-final commit rule (§4.5.1).
			committed := commitText(acc.Text(), acc.FinalText())
			convoCtx.AddAssistant(committed)
			l.publish(event.LlmCompleted, event.LlmCompletedData{
				SessionID: l.SessionID, MessageID: messageID, Text: committed,
				InputTokens: r.usageIn, OutputTokens: r.usageOut,
			})
			return l.finish("success", r, committed, nil)
		}

		// 8b. tool-calls (or mixed): truncate to MaxToolsPerTurn, append the
		// synthetic assistant message, then execute serially.
		if len(calls) > maxTools {
			calls = calls[:maxTools]
		}
		convoCtx.AddAssistantToolCalls("", calls)

		stopped, final := l.executeToolCalls(ctx, messageID, convoCtx, r, calls, maxDup)
		if stopped {
			return l.finish("final", r, "", final)
		}
		// else: loop again.
	}
}

// drainStream reads every chunk from stream into acc, forwarding text and
// thinking deltas to the event bus as they arrive.
func (l *Loop) drainStream(ctx context.Context, messageID string, stream *provider.CompletionStream, acc *provider.Accumulator) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		beforeText := acc.Text()
		beforeThinking := acc.Reasoning()
		acc.Feed(msg)

		if delta := acc.Text()[len(beforeText):]; delta != "" {
			l.publish(event.LlmTextChunk, event.LlmTextChunkData{SessionID: l.SessionID, MessageID: messageID, Text: delta})
		}
		if delta := acc.Reasoning()[len(beforeThinking):]; delta != "" {
			l.publish(event.LlmThinkingChunk, event.LlmThinkingChunkData{SessionID: l.SessionID, MessageID: messageID, Text: delta})
		}
	}
}

// executeToolCalls runs calls serially against the tool registry, gating
// each through the policy engine and approval gate, detecting doom-loops
// before dispatch and duplicate results after. It returns stopped=true
// when duplicate suppression (or a cooperative interrupt) ends the run.
func (l *Loop) executeToolCalls(ctx context.Context, messageID string, convoCtx *convo.Context, r *run, calls []convo.ToolCall, maxDup int) (stopped bool, stopErr error) {
	for _, call := range calls {
		r.toolCallsMade++

		var args any
		_ = json.Unmarshal(call.Arguments, &args)

		if l.LoopGuard != nil && l.LoopGuard.Check(l.SessionID, call.Name, args) {
			// Doom-loop pre-call guard tripped: treat as a failing result
			// so the model sees it and can change course.
			msg := fmt.Sprintf("refusing to repeat identical call to %q a fourth time", call.Name)
			convoCtx.AddToolResult(call.ID, msg, false)
			l.publish(event.ToolFailed, event.ToolFailedData{SessionID: l.SessionID, MessageID: messageID, CallID: call.ID, Name: call.Name, Error: msg})
			r.toolLog = append(r.toolLog, ToolLogEntry{Name: call.Name, Args: call.Arguments, ResultPreview: msg, Success: false})
			continue
		}

		l.publish(event.ToolStarted, event.ToolStartedData{SessionID: l.SessionID, MessageID: messageID, CallID: call.ID, Name: call.Name, Args: call.Arguments})

		output, success, gateErr := l.dispatch(ctx, call)
		if gateErr != nil {
			output = gateErr.Error()
			success = false
		}

		key := approval.CanonicalKey(call.Name, args)
		if l.DupTracker != nil {
			repeats := l.DupTracker.Observe(l.SessionID, key, output)
			if repeats >= maxDup {
				convoCtx.AddToolResult(call.ID, output, success)
				l.publish(event.ToolCompleted, event.ToolCompletedData{SessionID: l.SessionID, MessageID: messageID, CallID: call.ID, Name: call.Name, Result: preview(output)})
				convoCtx.AddAssistant("I notice I'm getting the same results repeatedly. Let me summarize what I found.")
				r.toolLog = append(r.toolLog, ToolLogEntry{Name: call.Name, Args: call.Arguments, ResultPreview: preview(output), Success: success})
				return true, nil
			}
		}
		r.lastResults[key] = output

		convoCtx.AddToolResult(call.ID, output, success)
		r.toolLog = append(r.toolLog, ToolLogEntry{Name: call.Name, Args: call.Arguments, ResultPreview: preview(output), Success: success})

		if success {
			l.publish(event.ToolCompleted, event.ToolCompletedData{SessionID: l.SessionID, MessageID: messageID, CallID: call.ID, Name: call.Name, Result: preview(output)})
		} else {
			l.publish(event.ToolFailed, event.ToolFailedData{SessionID: l.SessionID, MessageID: messageID, CallID: call.ID, Name: call.Name, Error: output})
		}
	}
	return false, nil
}

// dispatch classifies and gates a single tool call, then executes it if
// approved. The returned bool reports tool-level success (not gate
// rejection): a gate rejection is surfaced as output=rejection message,
// success=false, matching the spec's "tool-implementation errors are not
// fatal" semantics for a denial.
func (l *Loop) dispatch(ctx context.Context, call convo.ToolCall) (output string, success bool, err error) {
	t, ok := l.Tools.Get(call.Name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Name), false, nil
	}

	if l.Policy != nil && l.ModeID != "" {
		if available, alternative, err := l.Policy.ModeAvailability(call.Name, l.ModeID); err == nil && !available {
			if alternative != "" {
				return fmt.Sprintf("%q is not available in %q mode; use %q instead", call.Name, l.ModeID, alternative), false, nil
			}
			return fmt.Sprintf("%q is not available in %q mode", call.Name, l.ModeID), false, nil
		}
	}

	commandText := toolCommandText(call.Name, call.Arguments)
	classification, classifyErr := l.classify(call.Name, commandText)
	if classifyErr == nil && l.Policy != nil {
		needsApproval, allowSave, decideErr := l.Policy.Decide(classification, l.ModeID, l.TrustID)
		if decideErr == nil {
			title := fmt.Sprintf("%s: %s", call.Name, commandText)
			if gateErr := l.Gate.Check(ctx, l.Bus, l.SessionID, call.Name, commandText, title, needsApproval, allowSave); gateErr != nil {
				decision := policy.DecisionUserDenied
				if rej, ok2 := gateErr.(*approval.RejectedError); ok2 && rej.Blocked {
					decision = policy.DecisionBlocked
				}
				if l.Policy != nil {
					_ = l.Policy.RecordAudit(call.Name, commandText, classification.ClassificationID, l.ModeID, l.TrustID, decision, nil, l.SessionID, l.WorkDir)
				}
				return gateErr.Error(), false, nil
			}
			decision := policy.DecisionAutoApproved
			if needsApproval {
				decision = policy.DecisionUserApproved
			}
			if l.Policy != nil {
				_ = l.Policy.RecordAudit(call.Name, commandText, classification.ClassificationID, l.ModeID, l.TrustID, decision, nil, l.SessionID, l.WorkDir)
			}
		}
	}

	toolCtx := &tool.Context{SessionID: l.SessionID, MessageID: "", CallID: call.ID, WorkDir: l.WorkDir}
	result, execErr := t.Execute(ctx, call.Arguments, toolCtx)
	if execErr != nil {
		return execErr.Error(), false, nil
	}
	if result.Error != nil {
		return result.Error.Error(), false, nil
	}
	return result.Output, true, nil
}

// classify resolves a Classification for a tool call: shell/bash calls go
// through the command classifier (which understands compound commands),
// everything else uses the policy engine's per-tool-type static row.
func (l *Loop) classify(toolName, commandText string) (policy.Classification, error) {
	if toolName == "bash" && l.Classifier != nil {
		return l.Classifier.ClassifyCompound(commandText), nil
	}
	if l.Policy == nil {
		return policy.Classification{}, fmt.Errorf("session: no policy engine configured")
	}
	return l.Policy.StaticClassification(toolName)
}

// toolCommandText extracts the human-meaningful "command" string used for
// classification, approval pattern matching, and the approval prompt title:
// the shell command for bash, otherwise the raw argument JSON.
func toolCommandText(toolName string, args json.RawMessage) string {
	if toolName == "bash" {
		var parsed struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &parsed); err == nil && parsed.Command != "" {
			return parsed.Command
		}
	}
	return string(args)
}

// sanitizeForProvider implements §4.5 step 4 / testable property 11: a copy
// of the message log with every Assistant message that carries no
// non-empty text part elided (tool-use-only assistant turns confuse some
// providers into infinite tool-call loops).
func sanitizeForProvider(messages []convo.Message) []convo.Message {
	out := make([]convo.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == convo.RoleAssistant && !hasNonEmptyText(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasNonEmptyText(m convo.Message) bool {
	for _, p := range m.Content {
		if p.Kind == convo.PartText && p.Text != "" {
			return true
		}
	}
	return false
}

// commitText implements §4.5.1: streamed text beats final text when longer.
func commitText(streamed, final string) string {
	if len(streamed) > len(final) {
		return streamed
	}
	return final
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= toolResultPreviewLen {
		return s
	}
	return s[:toolResultPreviewLen] + "..."
}

// sleepOrDone waits for d or ctx cancellation, whichever comes first,
// reporting false if ctx won the race.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func isSet(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// backoffOrStop advances b and reports the next sleep interval, or
// ok=false when retries are exhausted.
func (l *Loop) backoffOrStop(b backoff.BackOff) (time.Duration, bool) {
	next := b.NextBackOff()
	if next == backoff.Stop {
		return 0, false
	}
	return next, true
}

func (l *Loop) finish(status string, r *run, text string, err error) Result {
	return Result{
		Status:       status,
		Text:         text,
		InputTokens:  r.usageIn,
		OutputTokens: r.usageOut,
		Iterations:   r.iterations,
		ToolLog:      r.toolLog,
		Err:          err,
	}
}

func (l *Loop) publish(t event.EventType, data any) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(event.Event{Type: t, Data: data})
}
