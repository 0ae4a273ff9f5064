package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
)

// Type is the declared role a plugin fills.
type Type string

const (
	TypeAuth     Type = "auth"
	TypeTool     Type = "tool"
	TypeProvider Type = "provider"
	TypeChannel  Type = "channel"
	TypeHook     Type = "hook"
)

// Capabilities is the allow-list a plugin declares in its manifest. Every
// host function the guest calls is checked against these before the real
// operation runs.
type Capabilities struct {
	Storage    bool     `toml:"storage"`
	HTTP       []string `toml:"http"`
	Env        []string `toml:"env"`
	Shell      bool     `toml:"shell"`
	Filesystem []string `toml:"filesystem"`
	FSRead     []string `toml:"fs_read"`
}

// IsHTTPAllowed reports whether host is covered by the http allow-list,
// supporting a "*.example.com" subdomain wildcard.
func (c Capabilities) IsHTTPAllowed(host string) bool {
	for _, allowed := range c.HTTP {
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == allowed[2:] {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// IsEnvAllowed reports whether var is covered by the env allow-list,
// supporting a "PREFIX_*" wildcard.
func (c Capabilities) IsEnvAllowed(name string) bool {
	for _, allowed := range c.Env {
		if strings.HasSuffix(allowed, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(allowed, "*")) {
				return true
			}
			continue
		}
		if name == allowed {
			return true
		}
	}
	return false
}

// IsFSReadAllowed reports whether requestedPath is covered by the fs_read
// allow-list: exact match, ancestor-directory match, or glob (supporting
// "**" cross-segment and "*" intra-segment via doublestar).
func (c Capabilities) IsFSReadAllowed(requestedPath string) bool {
	if len(c.FSRead) == 0 {
		return false
	}
	expandedRequested := expandHome(requestedPath)
	canonicalRequested := canonicalizeOrSelf(expandedRequested)

	for _, allowed := range c.FSRead {
		expandedAllowed := expandHome(allowed)

		if strings.Contains(allowed, "*") {
			if ok, _ := doublestar.Match(expandedAllowed, canonicalRequested); ok {
				return true
			}
			continue
		}

		canonicalAllowed := canonicalizeOrSelf(expandedAllowed)
		if canonicalRequested == canonicalAllowed {
			return true
		}
		if rel, err := filepath.Rel(canonicalAllowed, canonicalRequested); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// IsFilesystemAllowed reports whether relPath (relative to the workspace)
// is covered by the filesystem allow-list glob set.
func (c Capabilities) IsFilesystemAllowed(relPath string) bool {
	for _, pattern := range c.Filesystem {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

func canonicalizeOrSelf(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Manifest is a parsed plugin.toml.
type Manifest struct {
	Name         string       `toml:"name"`
	Version      string       `toml:"version"`
	Author       string       `toml:"author"`
	Type         Type         `toml:"type"`
	Entry        string       `toml:"entry"` // relative path to the .wasm file
	Capabilities Capabilities `toml:"capabilities"`
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadManifest parses and env-expands a plugin.toml at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read manifest %s: %w", path, err)
	}
	expanded := envPlaceholder.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := envPlaceholder.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	var manifest Manifest
	if err := toml.Unmarshal([]byte(expanded), &manifest); err != nil {
		return nil, fmt.Errorf("plugin: parse manifest %s: %w", path, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("plugin: manifest %s missing name", path)
	}
	if manifest.Entry == "" {
		return nil, fmt.Errorf("plugin: manifest %s missing entry", path)
	}
	return &manifest, nil
}
