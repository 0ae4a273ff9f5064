// Package session implements the agent loop: the bounded, streaming
// conversation cycle that drives one turn of tool-using LLM reasoning.
//
// # Architecture Overview
//
// The package is built around a small set of collaborators:
//
//   - Loop: the per-run orchestrator. One Loop.Run call drives iterations
//     against a provider.Provider until the conversation reaches a terminal
//     state (a text-only reply, the iteration cap, duplicate suppression, or
//     a cooperative interrupt).
//   - Agent: a configurable AI behavior profile (system prompt, sampling
//     parameters, policy mode, tool allow/deny list).
//   - SystemPrompt: builds the system prompt for an Agent against a working
//     directory's environment and custom rules.
//
// Session lifecycle, persistence, and the conversation-service surface that
// constructs and drives a Loop live in internal/service and internal/remote,
// not here: this package only implements the reasoning cycle itself.
//
// # The Loop
//
//	loop := &session.Loop{
//		Provider:   prov,
//		ModelID:    "claude-sonnet-4-20250514",
//		Tools:      toolRegistry,
//		Policy:     policyEngine,
//		Classifier: policy.NewClassifier(workDir),
//		Gate:       approvalGate,
//		LoopGuard:  approval.NewCallLoopDetector(),
//		DupTracker: approval.NewDuplicateTracker(),
//		Bus:        bus,
//		SessionID:  sessionID,
//		WorkDir:    workDir,
//		ModeID:     agent.ModeID,
//	}
//	result := loop.Run(ctx, messageID, convoCtx, interruptCh)
//
// Each iteration: checks the interrupt channel, checks the iteration cap,
// sanitizes a copy of the conversation (eliding assistant turns that carry
// only tool calls and no text, which confuses some providers into looping),
// streams a completion, and dispatches on the response shape. A text-only
// response commits via the streamed-text-beats-final-text rule (commitText)
// and ends the run. A tool-calling response is truncated to
// MaxToolsPerTurn, appended to the conversation as a single assistant turn,
// and executed serially through executeToolCalls before looping again.
//
// # Tool Dispatch
//
// executeToolCalls runs one call at a time through two independent guards
// before touching the tool registry:
//
//   - LoopGuard (approval.CallLoopDetector) flags a call about to repeat
//     itself a third time in a row, regardless of what it returns, and
//     short-circuits it with a synthetic failing result instead of
//     executing it.
//   - dispatch classifies the call (internal/policy), checks mode
//     availability, and asks internal/policy.Engine whether it needs
//     approval; a "yes" is gated through approval.Gate, which consults
//     session/persistent patterns before prompting the user over the event
//     bus. Every outcome is recorded to the policy audit log.
//
// After a successful or failed execution, DupTracker (approval.
// DuplicateTracker) checks whether the result is identical to the last one
// seen for the same (tool, arguments) key; MaxConsecutiveDuplicates
// identical results in a row end the run with a fixed summarizing message
// rather than letting the model spin.
//
// # Retry
//
// Provider call and stream errors are retried with cenkalti/backoff's
// exponential-backoff-with-jitter (retry.go), up to MaxRetries attempts
// within RetryMaxElapsedTime, before the run ends in an error Result.
//
// # Events
//
// Loop publishes the internal/event Llm* event family across one run:
// exactly one LlmStarted, interleaved LlmTextChunk/LlmThinkingChunk as the
// stream drains and ToolStarted/ToolCompleted/ToolFailed as calls execute,
// and exactly one of LlmCompleted or LlmError at the end.
package session
