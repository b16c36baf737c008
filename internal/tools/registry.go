package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
)

// Func is a tool implementation. It must honor ctx cancellation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named capability registered at startup.
type Tool struct {
	Name           string
	Description    string
	Parameters     map[string]string // argument name -> description, shown to the researcher
	Execute        Func
	DefaultTimeout time.Duration
	Cacheable      bool
	CacheTTL       time.Duration // ignored unless Cacheable
}

// Descriptor is the prompt-facing view of a tool.
type Descriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

const defaultToolTimeout = 30 * time.Second

// Registry maps stable tool names to capabilities.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. Duplicate or incomplete registrations are configuration errors.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Execute == nil {
		return models.NewErrorf(models.KindConfiguration, "tools.register", "tool %q needs a name and an implementation", t.Name)
	}
	if t.DefaultTimeout <= 0 {
		t.DefaultTimeout = defaultToolTimeout
	}
	if !t.Cacheable {
		t.CacheTTL = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return models.NewErrorf(models.KindConfiguration, "tools.register", "tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Override adjusts timeout and cache TTL of a registered tool from configuration.
// Zero values keep the current setting.
func (r *Registry) Override(name string, timeout, cacheTTL time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return models.NewError(models.KindConfiguration, "tools.override", fmt.Errorf("%w: %s", models.ErrUnknownTool, name))
	}
	if timeout > 0 {
		t.DefaultTimeout = timeout
	}
	if cacheTTL > 0 && t.Cacheable {
		t.CacheTTL = cacheTTL
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Describe returns descriptors for the tools admitted by allow, sorted by name.
// A nil allow admits every tool.
func (r *Registry) Describe(allow func(string) bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, n := range r.namesLocked() {
		if allow != nil && !allow(n) {
			continue
		}
		t := r.tools[n]
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
