// Package persona loads persona configurations and context snippets from
// disk. Personas are YAML documents bundling a system instruction with
// default sampling parameters; snippets are plain text files injected into
// the outgoing message list as extra context.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a persona or snippet name does not resolve
// to a file.
var ErrNotFound = errors.New("not found")

// Config is a named bundle of a system instruction plus default sampling
// parameters. It is read-only input to the orchestrator.
type Config struct {
	Name             string   `yaml:"name"`
	SystemMessage    string   `yaml:"system_message"`
	Model            string   `yaml:"model,omitempty"`
	Temperature      *float32 `yaml:"temperature,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`
	TopP             *float32 `yaml:"top_p,omitempty"`
	FrequencyPenalty *float32 `yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `yaml:"presence_penalty,omitempty"`
	Stop             []string `yaml:"stop,omitempty"`
}

// Loader resolves personas and snippets from configured directories.
type Loader struct {
	personaDir string
	snippetDir string
}

func NewLoader(personaDir, snippetDir string) *Loader {
	return &Loader{personaDir: personaDir, snippetDir: snippetDir}
}

// Load reads a persona by name (filename without extension).
func (l *Loader) Load(name string) (*Config, error) {
	path, err := l.resolve(l.personaDir, name, []string{".yaml", ".yml"})
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal persona %q: %w", name, err)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.SystemMessage == "" {
		return nil, fmt.Errorf("persona %q has no system_message", name)
	}
	return &cfg, nil
}

// List returns persona names matching a glob pattern ("*" for all).
// Patterns may span subdirectories, e.g. "team/**".
func (l *Loader) List(pattern string) ([]string, error) {
	return listNames(l.personaDir, pattern, []string{".yaml", ".yml"})
}

// LoadSnippet reads a snippet's text by name.
func (l *Loader) LoadSnippet(name string) (string, error) {
	path, err := l.resolve(l.snippetDir, name, []string{".md", ".txt", ""})
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("failed to read snippet file: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// ListSnippets returns snippet names matching a glob pattern.
func (l *Loader) ListSnippets(pattern string) ([]string, error) {
	return listNames(l.snippetDir, pattern, []string{".md", ".txt"})
}

func (l *Loader) resolve(dir, name string, extensions []string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: %s (no directory configured)", ErrNotFound, name)
	}
	// Reject path traversal; names address files under the configured dir.
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, ext := range extensions {
		path := filepath.Join(dir, clean+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func listNames(dir, pattern string, extensions []string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if pattern == "" {
		pattern = "*"
	}

	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		supported := false
		for _, e := range extensions {
			if ext == e {
				supported = true
				break
			}
		}
		if !supported {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ext)
		match, err := doublestar.Match(pattern, name)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if match {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
