package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// Well-known adapter names.
const (
	Claude    = "claude"
	Codex     = "codex"
	Anthropic = "anthropic"
	OpenAI    = "openai"
	MockName  = "mock"
)

// DefaultName is used when a scope selects no or an unknown backend.
const DefaultName = Claude

// NormalizeName lowercases and trims a backend name. Empty names map to
// DefaultName.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return DefaultName
	}
	return n
}

// Registry maps backend names to adapters.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]core.Backend
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(backends ...core.Backend) *Registry {
	r := &Registry{backends: make(map[string]core.Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces an adapter under its normalized name.
func (r *Registry) Register(b core.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[NormalizeName(b.Name())] = b
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (core.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[NormalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownBackend, name)
	}
	return b, nil
}

// Has reports whether an adapter is registered under name.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Resolve normalizes name and falls back to DefaultName when nothing is
// registered under it. It returns the name that was actually resolved.
func (r *Registry) Resolve(name string) (string, error) {
	n := NormalizeName(name)
	if r.Has(n) {
		return n, nil
	}
	if r.Has(DefaultName) {
		return DefaultName, nil
	}
	return "", fmt.Errorf("%w: %q", core.ErrUnknownBackend, name)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
