package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/tarkshell/tark/internal/plugin"
	"github.com/tarkshell/tark/pkg/types"
)

// CredentialSource supplies short-lived credentials from an auth-only
// plugin: one that exports provider_auth_credentials but does not itself
// handle chat completions. It refreshes the API key a wrapped native
// provider uses, e.g. for OAuth-backed accounts where a static API key
// would expire.
type CredentialSource interface {
	// Credentials asks the plugin for the current API key/token. Plugins
	// are expected to refresh internally (e.g. via a stored OAuth refresh
	// token) and return a usable credential on every call.
	Credentials(ctx context.Context) (apiKey string, err error)
}

// pluginCredentialSource adapts a loaded plugin.Instance exporting
// provider_auth_credentials into a CredentialSource.
type pluginCredentialSource struct {
	instance *plugin.Instance
}

// NewPluginCredentialSource wraps inst as a CredentialSource, failing fast
// if the plugin doesn't actually export the auth-only interface — callers
// should check plugin.Instance.HasExport("provider_auth_credentials")
// themselves before deciding to treat a plugin as an auth source, but this
// guards against a programming error doing so anyway.
func NewPluginCredentialSource(inst *plugin.Instance) (CredentialSource, error) {
	if !inst.HasExport("provider_auth_credentials") {
		return nil, fmt.Errorf("provider: plugin does not export provider_auth_credentials")
	}
	return &pluginCredentialSource{instance: inst}, nil
}

type credentialsResponse struct {
	APIKey string `json:"apiKey"`
}

func (s *pluginCredentialSource) Credentials(ctx context.Context) (string, error) {
	var resp credentialsResponse
	if err := s.instance.CallJSON(ctx, "provider_auth_credentials", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("provider: fetch plugin credentials: %w", err)
	}
	if resp.APIKey == "" {
		return "", fmt.Errorf("provider: plugin returned empty credential")
	}
	return resp.APIKey, nil
}

// PluginAuthProvider wraps a native Provider (Anthropic, OpenAI, Ark) and
// refreshes its credential from a CredentialSource ahead of every
// completion, rather than relying on a credential baked in at construction
// time. This is how an OAuth-authenticated account plugs into a chat
// backend that otherwise only understands a static API key.
type PluginAuthProvider struct {
	base       Provider
	source     CredentialSource
	rebuild    func(ctx context.Context, apiKey string) (Provider, error)
	lastAPIKey string
}

// NewPluginAuthProvider constructs a PluginAuthProvider. rebuild is called
// whenever the credential changes to produce a fresh underlying Provider
// bound to the new key (native Eino chat models are constructed with a
// fixed API key, so a changed credential means a new model instance).
func NewPluginAuthProvider(base Provider, source CredentialSource, rebuild func(ctx context.Context, apiKey string) (Provider, error)) *PluginAuthProvider {
	return &PluginAuthProvider{base: base, source: source, rebuild: rebuild}
}

func (p *PluginAuthProvider) ID() string   { return p.base.ID() }
func (p *PluginAuthProvider) Name() string { return p.base.Name() }

func (p *PluginAuthProvider) Models() []types.Model { return p.base.Models() }

func (p *PluginAuthProvider) ChatModel() model.ToolCallingChatModel { return p.base.ChatModel() }

// refresh fetches the current credential and rebuilds the underlying
// provider if it changed since the last call.
func (p *PluginAuthProvider) refresh(ctx context.Context) error {
	apiKey, err := p.source.Credentials(ctx)
	if err != nil {
		return err
	}
	if apiKey == p.lastAPIKey {
		return nil
	}
	fresh, err := p.rebuild(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("provider: rebuild with refreshed credential: %w", err)
	}
	p.base = fresh
	p.lastAPIKey = apiKey
	return nil
}

// CreateCompletion refreshes the credential, then delegates to the current
// underlying provider.
func (p *PluginAuthProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	if err := p.refresh(ctx); err != nil {
		return nil, err
	}
	return p.base.CreateCompletion(ctx, req)
}
