// Package mode stores named wiring configurations and resolves inheritance
// between them.
//
// A mode declares which node classes are active, how each class's output
// routes to other classes' inputs, and per-class attribute overlays applied
// on activation. A mode may extend a base mode; resolution overlays the
// derived mode's wiring onto the base's entry by entry.
//
// Wiring overlay semantics are full replacement per source key, never a
// merge of target lists. This is deliberate: predictability over additive
// surprise. Existing behavior depends on override semantics, so do not
// switch this to an additive merge.
package mode

import (
	"fmt"
	"sync"

	"github.com/c360/signalbus/errors"
)

// Config is a named wiring configuration.
type Config struct {
	// Base optionally names a parent mode whose wiring, node list and
	// attribute overlays are inherited.
	Base string `yaml:"base,omitempty" json:"base,omitempty"`

	// Nodes lists the class names active in this mode. Extends the
	// base's list.
	Nodes []string `yaml:"nodes,omitempty" json:"nodes,omitempty"`

	// Wiring maps a source class to the ordered target classes that
	// receive its output signals. Each key fully replaces the base
	// mode's entry for that key.
	Wiring map[string][]string `yaml:"wiring,omitempty" json:"wiring,omitempty"`

	// Attributes maps class names to attribute overlays applied to every
	// live instance of that class when the mode is activated.
	Attributes map[string]map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// Resolved is the fully resolved view of a mode after walking its base
// chain.
type Resolved struct {
	Name string

	// Chain is the mode name followed by its base modes, outermost first.
	Chain []string

	// Nodes is the union of active class names down the chain.
	Nodes []string

	// Wiring is the overlaid wiring table.
	Wiring map[string][]string

	// Attributes is the overlaid per-class attribute table. Within one
	// class's overlay, keys merge base-then-derived.
	Attributes map[string]map[string]any
}

// Manager stores mode definitions. Definitions are not validated against
// class existence at definition time (classes may register later);
// validation happens lazily at use.
type Manager struct {
	mu    sync.RWMutex
	modes map[string]Config
}

// NewManager creates an empty mode manager.
func NewManager() *Manager {
	return &Manager{modes: make(map[string]Config)}
}

// Define stores a mode configuration. Redefining an existing mode is
// rejected.
func (m *Manager) Define(name string, cfg Config) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ModeManager", "Define", "mode name validation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.modes[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateMode, name),
			"ModeManager", "Define", "duplicate mode check")
	}
	m.modes[name] = cfg
	return nil
}

// Get returns the raw (unresolved) definition of a mode.
func (m *Manager) Get(name string) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.modes[name]
	if !ok {
		return Config{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownMode, name),
			"ModeManager", "Get", "mode lookup")
	}
	return cfg, nil
}

// Names returns all defined mode names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.modes))
	for name := range m.modes {
		names = append(names, name)
	}
	return names
}

// Resolve walks the base chain (base first, recursively) and overlays the
// derived mode onto it. A cycle in the base chain is a fatal configuration
// error.
func (m *Manager) Resolve(name string) (*Resolved, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.resolveLocked(name, map[string]bool{})
}

// ResolveWiring returns just the overlaid wiring table for a mode.
func (m *Manager) ResolveWiring(name string) (map[string][]string, error) {
	resolved, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	return resolved.Wiring, nil
}

// Chain returns the mode name followed by its base modes, outermost first.
// Used for mode-scoped handler override resolution.
func (m *Manager) Chain(name string) ([]string, error) {
	resolved, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	return resolved.Chain, nil
}

func (m *Manager) resolveLocked(name string, visiting map[string]bool) (*Resolved, error) {
	if visiting[name] {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: via mode %q", errors.ErrModeCycle, name),
			"ModeManager", "Resolve", "base chain resolution")
	}

	cfg, ok := m.modes[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownMode, name),
			"ModeManager", "Resolve", "mode lookup")
	}

	resolved := &Resolved{
		Name:       name,
		Chain:      []string{name},
		Wiring:     make(map[string][]string),
		Attributes: make(map[string]map[string]any),
	}

	if cfg.Base != "" {
		visiting[name] = true
		base, err := m.resolveLocked(cfg.Base, visiting)
		delete(visiting, name)
		if err != nil {
			return nil, err
		}

		resolved.Chain = append(resolved.Chain, base.Chain...)
		resolved.Nodes = append(resolved.Nodes, base.Nodes...)
		for src, targets := range base.Wiring {
			resolved.Wiring[src] = append([]string(nil), targets...)
		}
		for class, attrs := range base.Attributes {
			overlay := make(map[string]any, len(attrs))
			for k, v := range attrs {
				overlay[k] = v
			}
			resolved.Attributes[class] = overlay
		}
	}

	// Node list extends the base's.
	for _, class := range cfg.Nodes {
		if !containsString(resolved.Nodes, class) {
			resolved.Nodes = append(resolved.Nodes, class)
		}
	}

	// Wiring: each key fully replaces the base's list for that key.
	for src, targets := range cfg.Wiring {
		resolved.Wiring[src] = append([]string(nil), targets...)
	}

	// Attribute overlays merge key by key within a class.
	for class, attrs := range cfg.Attributes {
		overlay := resolved.Attributes[class]
		if overlay == nil {
			overlay = make(map[string]any, len(attrs))
			resolved.Attributes[class] = overlay
		}
		for k, v := range attrs {
			overlay[k] = v
		}
	}

	return resolved, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
