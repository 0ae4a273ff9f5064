package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarkshell/tark/internal/convo"
	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/service"
	"github.com/tarkshell/tark/internal/session"
	"github.com/tarkshell/tark/pkg/types"
)

// blockingProvider signals started once CreateCompletion is entered and
// blocks until release is closed, letting tests observe a Conversation
// mid-run without racing on real provider I/O.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (p *blockingProvider) ID() string            { return "fake" }
func (p *blockingProvider) Name() string          { return "Fake" }
func (p *blockingProvider) Models() []types.Model { return nil }
func (p *blockingProvider) ChatModel() model.ToolCallingChatModel { return nil }

func (p *blockingProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	close(p.started)
	<-p.release
	return nil, p.err
}

func newTestConversation(bp *blockingProvider) (*service.Conversation, *convo.Context) {
	convoCtx := convo.New(0, 0)
	loop := &session.Loop{Provider: bp, ModelID: "fake-model"}
	return service.New(convoCtx, loop, nil), convoCtx
}

func TestConversationSendMessageForbidsReentry(t *testing.T) {
	bp := &blockingProvider{started: make(chan struct{}), release: make(chan struct{}), err: errors.New("boom")}
	conv, _ := newTestConversation(bp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, conv.SendMessage(ctx, "hello"))
	<-bp.started

	assert.True(t, conv.Processing())
	err := conv.SendMessage(ctx, "again")
	assert.ErrorIs(t, err, service.ErrProcessing)

	cancel()
	close(bp.release)

	assert.Eventually(t, func() bool { return !conv.Processing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "error", conv.LastResult().Status)
}

func TestConversationUpdateLLMProviderRefusedWhileProcessing(t *testing.T) {
	bp := &blockingProvider{started: make(chan struct{}), release: make(chan struct{}), err: errors.New("boom")}
	conv, _ := newTestConversation(bp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, conv.SendMessage(ctx, "hello"))
	<-bp.started

	err := conv.UpdateLLMProvider(bp, "other-model")
	assert.ErrorIs(t, err, service.ErrProcessing)

	cancel()
	close(bp.release)
	assert.Eventually(t, func() bool { return !conv.Processing() }, time.Second, 5*time.Millisecond)

	assert.NoError(t, conv.UpdateLLMProvider(bp, "other-model"))
}

func TestConversationSetTrustLevelAndUpdateMode(t *testing.T) {
	convoCtx := convo.New(0, 0)
	loop := &session.Loop{ModeID: "build", TrustID: "balanced"}
	conv := service.New(convoCtx, loop, nil)

	conv.SetTrustLevel("careful")
	conv.UpdateMode("/tmp/work", "plan")

	assert.Equal(t, "careful", loop.TrustID)
	assert.Equal(t, "plan", loop.ModeID)
	assert.Equal(t, "/tmp/work", loop.WorkDir)
}

func TestConversationInterruptAndResetDropsInterruptedStub(t *testing.T) {
	convoCtx := convo.New(0, 0)
	convoCtx.AddUser("do the thing")
	convoCtx.AddAssistant("Processing was interrupted.")

	loop := &session.Loop{}
	conv := service.New(convoCtx, loop, nil)

	conv.InterruptAndReset()

	messages := convoCtx.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, convo.RoleUser, messages[0].Role)
}

func TestConversationInterruptIsIdempotent(t *testing.T) {
	convoCtx := convo.New(0, 0)
	loop := &session.Loop{}
	conv := service.New(convoCtx, loop, nil)

	assert.NotPanics(t, func() {
		conv.Interrupt()
		conv.Interrupt()
	})
}
