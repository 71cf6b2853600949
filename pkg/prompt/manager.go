// Package prompt loads and renders the markdown prompt templates that drive
// the decision layer.
//
// Templates live as *.md files in one directory. Each file may start with a
// YAML front-matter block (name, version, description, variables) delimited
// by --- lines; the rest is the prompt body with $var / ${var} placeholders.
// Parsed templates are cached on first access until [Manager.Reload].
package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no template file exists for a name.
	ErrNotFound = errors.New("prompt: template not found")

	// ErrMissingVariables is returned by [Manager.Render] when placeholders
	// or declared variables have no value.
	ErrMissingVariables = errors.New("prompt: missing variables")
)

// Manager resolves template names to rendered prompts. Safe for concurrent
// use.
type Manager struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Template
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager over the given templates directory. The
// directory must exist; individual templates are loaded lazily.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: templates dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt: templates path %q is not a directory", dir)
	}

	m := &Manager{
		dir:   dir,
		cache: make(map[string]*Template),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default().With("component", "prompt")
	}
	return m, nil
}

// Render renders the named template with vars. Any placeholder or declared
// variable without a value fails the render; the error lists every missing
// name at once.
func (m *Manager) Render(name string, vars map[string]string) (string, error) {
	t, err := m.template(name)
	if err != nil {
		return "", err
	}

	out, missing := expand(t.Body, vars, false)
	for _, declared := range t.Meta.Variables {
		if _, ok := vars[declared]; !ok && !contains(missing, declared) {
			missing = append(missing, declared)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("render %q: %w: %s", name, ErrMissingVariables, strings.Join(missing, ", "))
	}
	return out, nil
}

// RenderSafe renders the named template with vars, leaving placeholders
// without a value in the output verbatim.
func (m *Manager) RenderSafe(name string, vars map[string]string) (string, error) {
	t, err := m.template(name)
	if err != nil {
		return "", err
	}
	out, _ := expand(t.Body, vars, true)
	return out, nil
}

// Raw returns the unrendered body of the named template.
func (m *Manager) Raw(name string) (string, error) {
	t, err := m.template(name)
	if err != nil {
		return "", err
	}
	return t.Body, nil
}

// Metadata returns the front-matter of the named template.
func (m *Manager) Metadata(name string) (Metadata, error) {
	t, err := m.template(name)
	if err != nil {
		return Metadata{}, err
	}
	return t.Meta, nil
}

// Names lists the template names available in the directory, sorted.
func (m *Manager) Names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: list templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

// Reload drops the template cache; templates re-parse from disk on next use.
func (m *Manager) Reload() {
	m.mu.Lock()
	m.cache = make(map[string]*Template)
	m.mu.Unlock()
	m.log.Info("prompt cache cleared")
}

func (m *Manager) template(name string) (*Template, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("prompt: invalid template name %q", name)
	}

	m.mu.RLock()
	t, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	content, err := os.ReadFile(filepath.Join(m.dir, name+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("prompt: read template %q: %w", name, err)
	}

	t, err = parseTemplate(name, content)
	if err != nil {
		return nil, err
	}
	if t.Meta.Name != "" && t.Meta.Name != name {
		m.log.Warn("template front-matter name differs from file name",
			"file", name, "front_matter_name", t.Meta.Name)
	}

	m.mu.Lock()
	m.cache[name] = t
	m.mu.Unlock()
	return t, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
