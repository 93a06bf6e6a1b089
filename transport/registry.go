package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder is registered for the
// configured pub/sub system.
var ErrUnknownTransport = errors.New("unknown transport")

type entry struct {
	builder Builder
	caps    *Capabilities
}

// Registry maps pub/sub system names to transport builders and what those transports
// support. Names are case-insensitive. Transport packages register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry used by brokers unless a transport is injected.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register binds builder to name, the Config.PubSubSystem value selecting it.
// Capabilities registered earlier for name are kept.
func (r *Registry) Register(name string, builder Builder) {
	key := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	e.builder = builder
	r.entries[key] = e
}

// RegisterWithCapabilities binds builder to name and records what it supports.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry{builder: builder, caps: &caps}
}

// GetCapabilities returns the capabilities registered for name, or a zero value
// carrying only the name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	e, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok || e.caps == nil {
		return Capabilities{Name: name}
	}
	return *e.caps
}

// Build creates the transport selected by cfg.GetPubSubSystem. The result is validated;
// a transport missing its publisher or subscriber factory is closed and rejected.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}
	name := normalizeName(cfg.GetPubSubSystem())

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.builder == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	t, err := e.builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if err := t.Validate(); err != nil {
		_ = t.Close()
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	return t, nil
}

// Names returns the registered transport names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.builder != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Has reports whether a builder is registered for name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalizeName(name)]
	return ok && e.builder != nil
}

// Register adds a builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
