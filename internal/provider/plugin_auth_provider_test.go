package provider

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarkshell/tark/pkg/types"
)

type fakeProvider struct {
	id     string
	apiKey string
}

func (f *fakeProvider) ID() string                               { return f.id }
func (f *fakeProvider) Name() string                             { return "fake" }
func (f *fakeProvider) Models() []types.Model                    { return nil }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel     { return nil }
func (f *fakeProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	return nil, nil
}

type fakeCredentialSource struct {
	keys []string
	i    int
}

func (f *fakeCredentialSource) Credentials(ctx context.Context) (string, error) {
	key := f.keys[f.i]
	if f.i < len(f.keys)-1 {
		f.i++
	}
	return key, nil
}

func TestPluginAuthProviderRebuildsOnCredentialChange(t *testing.T) {
	source := &fakeCredentialSource{keys: []string{"key-a", "key-a", "key-b"}}
	rebuildCount := 0
	rebuild := func(ctx context.Context, apiKey string) (Provider, error) {
		rebuildCount++
		return &fakeProvider{id: "fake", apiKey: apiKey}, nil
	}

	p := NewPluginAuthProvider(&fakeProvider{id: "fake", apiKey: "key-a"}, source, rebuild)

	_, err := p.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	_, err = p.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	_, err = p.CreateCompletion(context.Background(), &CompletionRequest{})
	require.NoError(t, err)

	assert.Equal(t, 2, rebuildCount, "expected one rebuild for key-a and one for key-b, not a rebuild on every call")
}

func TestPluginAuthProviderDelegatesIdentity(t *testing.T) {
	source := &fakeCredentialSource{keys: []string{"key-a"}}
	p := NewPluginAuthProvider(&fakeProvider{id: "anthropic"}, source, func(ctx context.Context, apiKey string) (Provider, error) {
		return &fakeProvider{id: "anthropic", apiKey: apiKey}, nil
	})
	assert.Equal(t, "anthropic", p.ID())
}
