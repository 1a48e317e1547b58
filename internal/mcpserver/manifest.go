package mcpserver

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var defaultManifest []byte

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

// ToolSpec declares one editor tool exposed over MCP.
type ToolSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Resource marks tools that act on a scene or resource file.
	Resource bool `yaml:"resource"`
}

// Manifest is the list of editor tools.
type Manifest struct {
	Tools []ToolSpec `yaml:"tools"`
}

// DefaultManifest returns the built-in tool list.
func DefaultManifest() Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("built-in tool manifest: %v", err))
	}
	return m
}

// LoadManifest reads a YAML manifest from path. An empty path returns the
// built-in manifest.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read tool manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse tool manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Tools))
	for i, t := range m.Tools {
		if !toolNamePattern.MatchString(t.Name) {
			return Manifest{}, fmt.Errorf("tool %d: invalid name %q", i, t.Name)
		}
		if t.Name == statusToolName {
			return Manifest{}, fmt.Errorf("tool %d: %q is reserved", i, t.Name)
		}
		if seen[t.Name] {
			return Manifest{}, fmt.Errorf("tool %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	return m, nil
}

func (t ToolSpec) description() string {
	d := t.Description
	if d == "" {
		d = "Run the " + t.Name + " editor tool"
	}
	if t.Resource {
		d += ". Pass scenePath or resourcePath; calls on the same path run one at a time in order"
	}
	return d
}
