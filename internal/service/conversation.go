// Package service binds a conversation's conduit: a convo.Context, a
// session.Loop, the provider it streams from, and the event bus it
// publishes to. Conversation is the send_message/interrupt surface a
// frontend (CLI, remote session, or test) drives; internal/remote layers
// multi-session registration and dispatch on top of it.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/tarkshell/tark/internal/approval"
	"github.com/tarkshell/tark/internal/command"
	"github.com/tarkshell/tark/internal/convo"
	"github.com/tarkshell/tark/internal/event"
	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/session"
)

// ErrProcessing is returned by any call that would re-enter or reconfigure
// a conversation while its agent loop is already running.
var ErrProcessing = errors.New("service: conversation is already processing a message")

const interruptedStub = "Processing was interrupted."

// Conversation binds one conversation's Context to the Loop that drives it.
// A Conversation is single-session: Context is owned exclusively by this
// Conversation's loop, never shared mutably with another session.
type Conversation struct {
	mu sync.Mutex

	convo    *convo.Context
	loop     *session.Loop
	bus      *event.Bus
	commands *command.Executor

	processing  bool
	interruptCh chan struct{}
	lastResult  session.Result
}

// SetCommandExecutor installs the slash-command executor SendMessage
// consults before a message reaches the agent loop. A nil executor (the
// default) disables slash-command expansion entirely.
func (c *Conversation) SetCommandExecutor(executor *command.Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = executor
}

// New binds a Conversation around an already-constructed Context and Loop.
// The Loop's Bus field should be the same bus passed here so SendMessage's
// caller and the loop's own LlmStarted..LlmCompleted emissions share one
// subscriber set.
func New(convoCtx *convo.Context, loop *session.Loop, bus *event.Bus) *Conversation {
	return &Conversation{convo: convoCtx, loop: loop, bus: bus}
}

// Processing reports whether an agent loop run is currently in flight.
func (c *Conversation) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// LastResult returns the most recently completed run's Result.
func (c *Conversation) LastResult() session.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// SendMessage appends content as a user turn and spawns the agent loop in
// its own goroutine, returning immediately; progress and completion surface
// as LlmStarted..LlmCompleted/LlmError events on the bus. It forbids
// re-entry: a second call while the first is still processing returns
// ErrProcessing without touching the conversation.
func (c *Conversation) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return ErrProcessing
	}
	c.processing = true
	interruptCh := make(chan struct{})
	c.interruptCh = interruptCh
	expanded, modelOverride := c.expandSlashCommandLocked(ctx, content)
	c.mu.Unlock()

	c.convo.AddUser(expanded)
	if modelOverride != "" {
		c.loop.ModelID = modelOverride
	}
	messageID := ulid.Make().String()

	go func() {
		result := c.loop.Run(ctx, messageID, c.convo, interruptCh)
		c.mu.Lock()
		c.processing = false
		c.lastResult = result
		c.mu.Unlock()
	}()

	return nil
}

// UpdateLLMProvider swaps the provider a future send_message streams
// against. Refused while a run is in flight, since the in-flight Loop
// already captured the old provider for this call.
func (c *Conversation) UpdateLLMProvider(p provider.Provider, modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processing {
		return ErrProcessing
	}
	c.loop.Provider = p
	if modelID != "" {
		c.loop.ModelID = modelID
	}
	return nil
}

// SetTrustLevel changes the trust level future tool-call approvals are
// decided against.
func (c *Conversation) SetTrustLevel(trustID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop.TrustID = trustID
}

// UpdateMode changes the policy agent mode (and, since a mode is scoped to
// a working directory, the directory tools execute against) future tool
// calls are dispatched under.
func (c *Conversation) UpdateMode(workDir, modeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop.WorkDir = workDir
	c.loop.ModeID = modeID
}

// UpdateApprovalStoragePath repoints the approval gate's persistent pattern
// store at a different workspace's approvals.json.
func (c *Conversation) UpdateApprovalStoragePath(root string) error {
	store, err := approval.OpenStore(root)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop.Gate.SetStore(store)
	return nil
}

// Interrupt sets the cooperative interrupt flag the running loop checks
// before and after every provider call, and resets the processing flag so
// a subsequent SendMessage is accepted without waiting for the loop
// goroutine to observe the interrupt.
func (c *Conversation) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeInterruptLocked()
	c.processing = false
}

// InterruptAndReset does what Interrupt does and additionally clears the
// streaming stub a run leaves in Context when it is interrupted
// mid-stream, so the conversation log shows no trace of the aborted turn.
func (c *Conversation) InterruptAndReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeInterruptLocked()
	c.processing = false
	c.convo.DropLastIfAssistantText(interruptedStub)
}

// expandSlashCommandLocked runs content through the installed command
// executor when it names a slash command ("/review foo" -> command
// "review", args "foo"); anything else passes through unchanged. Only a
// same-provider model override is applied here — an agent override would
// need the system prompt rebuilt, which is out of SendMessage's scope and
// left to a future UpdateMode/UpdateLLMProvider call instead. Must be
// called with c.mu held.
func (c *Conversation) expandSlashCommandLocked(ctx context.Context, content string) (prompt string, modelOverride string) {
	if c.commands == nil || !strings.HasPrefix(content, "/") {
		return content, ""
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(content, "/"), " ")
	if name == "" {
		return content, ""
	}
	if _, ok := c.commands.Get(name); !ok {
		return content, ""
	}
	result, err := c.commands.Execute(ctx, name, args)
	if err != nil {
		return content, ""
	}
	return result.Prompt, result.Model
}

func (c *Conversation) closeInterruptLocked() {
	if c.interruptCh == nil {
		return
	}
	select {
	case <-c.interruptCh:
		// already closed
	default:
		close(c.interruptCh)
	}
}
