package node

import (
	"fmt"
	"sync"

	"github.com/c360/signalbus/errors"
)

// Registry stores node class definitions and their flattened inheritance
// views. Registration validates the class's contract; a class that omits a
// required handler with no default is rejected with every violation listed.
//
// Registration order matters: a parent class must be registered before any
// class that extends it.
type Registry struct {
	mu          sync.RWMutex
	classes     map[string]*Class
	flat        map[string]*flattened
	signalNames map[string]string // ad-hoc signal -> handler name cache
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{
		classes:     make(map[string]*Class),
		flat:        make(map[string]*flattened),
		signalNames: make(map[string]string),
	}
}

// Register validates and stores a class definition. It fails with a fatal
// ContractError if any required handler down the extension chain has neither
// an implementation nor a default. Duplicate registrations are rejected.
func (r *Registry) Register(c *Class) error {
	if c == nil || c.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "class name validation")
	}
	if !c.Domain.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("class %q has unknown domain %q", c.Name, c.Domain),
			"Registry", "Register", "domain validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[c.Name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateClass, c.Name),
			"Registry", "Register", "duplicate class check")
	}

	var parent *flattened
	if c.Extends != "" {
		var ok bool
		parent, ok = r.flat[c.Extends]
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: class %q extends %q", errors.ErrUnknownParent, c.Name, c.Extends),
				"Registry", "Register", "parent lookup")
		}
	}

	f := flatten(c, parent)
	if err := f.validateContract(); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrContractViolation, err),
			"Registry", "Register", "contract validation")
	}

	r.classes[c.Name] = c
	r.flat[c.Name] = f
	return nil
}

// MustRegister registers a class and panics on failure. Intended for static
// class tables assembled at boot, where a broken contract is a programming
// error.
func (r *Registry) MustRegister(c *Class) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Resolve looks up a registered class by name.
func (r *Registry) Resolve(name string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.classes[name]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrClassNotFound, name),
			"Registry", "Resolve", "class lookup")
	}
	return c, nil
}

// Domain returns the execution-context tag of a registered class.
func (r *Registry) Domain(name string) (Domain, error) {
	c, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	return c.Domain, nil
}

// Classes returns the names of all registered classes.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	return names
}

// HandlerNameFor maps a signal name to its handler identifier. Declared
// output signals are precomputed at registration; ad-hoc signals are derived
// once and cached.
func (r *Registry) HandlerNameFor(className, signal string) string {
	r.mu.RLock()
	if f, ok := r.flat[className]; ok {
		if name, ok := f.signalHandlers[signal]; ok {
			r.mu.RUnlock()
			return name
		}
	}
	if name, ok := r.signalNames[signal]; ok {
		r.mu.RUnlock()
		return name
	}
	r.mu.RUnlock()

	name := HandlerName(signal)
	r.mu.Lock()
	r.signalNames[signal] = name
	r.mu.Unlock()
	return name
}

// NewInstance creates a live instance of a registered class. The instance is
// not tracked by the registry; instance identity and uniqueness belong to
// the bus.
func (r *Registry) NewInstance(className, id string, attrs map[string]any, sender Sender) (*Instance, error) {
	r.mu.RLock()
	f, ok := r.flat[className]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrClassNotFound, className),
			"Registry", "NewInstance", "class lookup")
	}
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "NewInstance", "instance id validation")
	}

	inst := &Instance{
		id:     id,
		flat:   f,
		attrs:  make(map[string]any, len(attrs)),
		sender: sender,
	}
	for k, v := range attrs {
		inst.attrs[k] = v
	}
	return inst, nil
}
