package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifestExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_PLUGIN_TOKEN", "secret123")
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "example"
version = "0.1.0"
author = "${TEST_PLUGIN_TOKEN}"
type = "tool"
entry = "plugin.wasm"

[capabilities]
env = ["TEST_PLUGIN_TOKEN"]
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "example", m.Name)
	assert.Equal(t, os.Getenv("TEST_PLUGIN_TOKEN"), m.Author)
	assert.True(t, m.Capabilities.IsEnvAllowed("TEST_PLUGIN_TOKEN"))
	assert.False(t, m.Capabilities.IsEnvAllowed("OTHER_VAR"))
}

func TestLoadManifestRequiresNameAndEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.toml")
	require.NoError(t, os.WriteFile(path, []byte(`version = "0.1.0"`), 0o644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}

func TestIsHTTPAllowedWildcardSubdomain(t *testing.T) {
	c := Capabilities{HTTP: []string{"*.example.com", "api.other.com"}}
	assert.True(t, c.IsHTTPAllowed("foo.example.com"))
	assert.True(t, c.IsHTTPAllowed("example.com"))
	assert.True(t, c.IsHTTPAllowed("api.other.com"))
	assert.False(t, c.IsHTTPAllowed("evil.com"))
}

func TestIsFSReadAllowedAncestorAndGlob(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	c := Capabilities{FSRead: []string{dir}}
	assert.True(t, c.IsFSReadAllowed(filepath.Join(sub, "file.txt")))
	assert.False(t, c.IsFSReadAllowed(filepath.Join(os.TempDir(), "elsewhere", "file.txt")))

	globCaps := Capabilities{FSRead: []string{filepath.Join(dir, "**", "*.txt")}}
	assert.True(t, globCaps.IsFSReadAllowed(filepath.Join(sub, "notes.txt")))
	assert.False(t, globCaps.IsFSReadAllowed(filepath.Join(sub, "notes.md")))
}

func TestIsFilesystemAllowedGlob(t *testing.T) {
	c := Capabilities{Filesystem: []string{"src/**/*.go"}}
	assert.True(t, c.IsFilesystemAllowed("src/plugin/host.go"))
	assert.False(t, c.IsFilesystemAllowed("secrets/keys.pem"))
}

func TestPluginErrorFormatting(t *testing.T) {
	err := &Error{Plugin: "example", Function: "provider_chat", Kind: ErrTimeout, Message: "deadline exceeded"}
	assert.Contains(t, err.Error(), "example")
	assert.Contains(t, err.Error(), "provider_chat")
	assert.Contains(t, err.Error(), "timeout")
}
