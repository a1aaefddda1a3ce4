// Package config loads and validates the YAML runtime configuration: which
// domain this process serves, the mode table, the instances to boot, and
// the optional boundary transport.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/signalbus/errors"
	"github.com/c360/signalbus/mode"
	"github.com/c360/signalbus/node"
)

// NodeSpec declares one instance to create at boot.
type NodeSpec struct {
	// Class is the registered class name. Required.
	Class string `yaml:"class" json:"class"`

	// ID is the instance id; empty means one is generated.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Attributes seed the instance's attribute store.
	Attributes map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// BoundaryConfig selects and configures the cross-domain transport.
type BoundaryConfig struct {
	// Kind is "none" (default) or "nats".
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// NATS configures the NATS bridge when Kind is "nats".
	NATS NATSConfig `yaml:"nats,omitempty" json:"nats,omitempty"`
}

// NATSConfig mirrors the transport bridge settings in YAML form.
type NATSConfig struct {
	URL            string        `yaml:"url" json:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// Config is the complete runtime configuration for one process.
type Config struct {
	// Domain is the execution context this process serves: "server" or
	// "client".
	Domain string `yaml:"domain" json:"domain"`

	// InitialMode names the mode activated at boot. Required when Modes
	// is non-empty.
	InitialMode string `yaml:"initial_mode,omitempty" json:"initial_mode,omitempty"`

	// Modes is the named wiring table.
	Modes map[string]mode.Config `yaml:"modes,omitempty" json:"modes,omitempty"`

	// Nodes lists the instances to create at boot.
	Nodes []NodeSpec `yaml:"nodes,omitempty" json:"nodes,omitempty"`

	// Boundary configures the cross-domain transport.
	Boundary BoundaryConfig `yaml:"boundary,omitempty" json:"boundary,omitempty"`
}

// Load reads, parses, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read file")
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "yaml decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks internal consistency. Class names in modes and node specs
// are not checked here; the registry validates them at instantiation.
func (c *Config) Validate() error {
	domain := node.Domain(c.Domain)
	if !domain.Valid() || domain == node.DomainShared {
		return errors.WrapInvalid(
			fmt.Errorf("%w: domain must be server or client, got %q", errors.ErrInvalidConfig, c.Domain),
			"config", "Validate", "domain check")
	}

	if len(c.Modes) > 0 {
		if c.InitialMode == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: initial_mode is required when modes are defined", errors.ErrMissingConfig),
				"config", "Validate", "initial mode check")
		}
		if _, ok := c.Modes[c.InitialMode]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: initial_mode %q is not defined", errors.ErrUnknownMode, c.InitialMode),
				"config", "Validate", "initial mode check")
		}
		for name, m := range c.Modes {
			if m.Base != "" {
				if _, ok := c.Modes[m.Base]; !ok {
					return errors.WrapInvalid(
						fmt.Errorf("%w: mode %q extends undefined mode %q", errors.ErrUnknownMode, name, m.Base),
						"config", "Validate", "mode base check")
				}
			}
		}
	}

	for i, spec := range c.Nodes {
		if spec.Class == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: nodes[%d] has no class", errors.ErrInvalidConfig, i),
				"config", "Validate", "node spec check")
		}
	}

	switch c.Boundary.Kind {
	case "", "none":
	case "nats":
		if c.Boundary.NATS.URL == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: boundary.nats.url is required", errors.ErrMissingConfig),
				"config", "Validate", "boundary check")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown boundary kind %q", errors.ErrInvalidConfig, c.Boundary.Kind),
			"config", "Validate", "boundary check")
	}

	return nil
}

// BusDomain returns the parsed execution domain. Call after Validate.
func (c *Config) BusDomain() node.Domain {
	return node.Domain(c.Domain)
}

// ModeManager builds a mode manager from the mode table.
func (c *Config) ModeManager() (*mode.Manager, error) {
	mgr := mode.NewManager()
	for name, m := range c.Modes {
		if err := mgr.Define(name, m); err != nil {
			return nil, errors.Wrap(err, "config", "ModeManager", fmt.Sprintf("define mode %s", name))
		}
	}
	return mgr, nil
}
