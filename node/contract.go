package node

import (
	"fmt"
	"sort"
	"strings"
)

// Violation records one missing required handler discovered during
// registration: the channel and handler name, and the class in the extension
// chain that demanded it.
type Violation struct {
	Channel    Channel
	Handler    string
	DemandedBy string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s/%s (required by %s)", v.Channel, v.Handler, v.DemandedBy)
}

// ContractError reports every contract violation found for a class. It is
// boot-fatal: a class with an incomplete contract is never stored.
type ContractError struct {
	Class      string
	Violations []Violation
}

func (e *ContractError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("class %q is missing %d required handler(s): %s",
		e.Class, len(e.Violations), strings.Join(parts, ", "))
}

// flattened is the precomputed view of a class and all its ancestors,
// resolved once at registration. Dispatch never walks parent pointers.
type flattened struct {
	class  *Class
	chain  []string // leaf first, root ancestor last
	domain Domain

	// handlers and defaults are merged child-over-parent per channel.
	handlers map[Channel]HandlerSet
	defaults map[Channel]HandlerSet

	// required maps channel -> handler name -> demanding class name.
	// The union of the class's own contract and all its ancestors'.
	required map[Channel]map[string]string

	// outputs is the union of declared output signals down the chain.
	outputs []string

	// overrides holds per-mode handler sets, merged child-over-parent.
	overrides map[string]map[Channel]HandlerSet

	// signalHandlers maps declared output signals to their derived
	// handler names, built once here instead of per dispatch.
	signalHandlers map[string]string
}

// handlerChannels are the channels that carry handler implementations.
var handlerChannels = []Channel{ChannelSystem, ChannelInput, ChannelError}

// flatten merges a class definition over its (already flattened) parent.
// parent may be nil for root classes.
func flatten(c *Class, parent *flattened) *flattened {
	f := &flattened{
		class:          c,
		domain:         c.Domain,
		handlers:       make(map[Channel]HandlerSet, len(handlerChannels)),
		defaults:       make(map[Channel]HandlerSet, len(handlerChannels)),
		required:       make(map[Channel]map[string]string),
		overrides:      make(map[string]map[Channel]HandlerSet),
		signalHandlers: make(map[string]string),
	}

	if parent != nil {
		f.chain = append([]string{c.Name}, parent.chain...)
		for _, ch := range handlerChannels {
			f.handlers[ch] = copySet(parent.handlers[ch])
			f.defaults[ch] = copySet(parent.defaults[ch])
		}
		for ch, names := range parent.required {
			f.required[ch] = make(map[string]string, len(names))
			for name, demander := range names {
				f.required[ch][name] = demander
			}
		}
		f.outputs = append(f.outputs, parent.outputs...)
		for mode, channels := range parent.overrides {
			merged := make(map[Channel]HandlerSet, len(channels))
			for ch, set := range channels {
				merged[ch] = copySet(set)
			}
			f.overrides[mode] = merged
		}
	} else {
		f.chain = []string{c.Name}
		for _, ch := range handlerChannels {
			f.handlers[ch] = make(HandlerSet)
			f.defaults[ch] = make(HandlerSet)
		}
	}

	// Overlay the class's own handlers and defaults.
	for _, ch := range handlerChannels {
		for name, fn := range c.channel(ch) {
			f.handlers[ch][name] = fn
		}
		for name, fn := range c.Defaults[ch] {
			f.defaults[ch][name] = fn
		}
	}

	// Union the contract; the first class in the chain to demand a handler
	// is recorded as the demander.
	for ch, names := range c.Required {
		if f.required[ch] == nil {
			f.required[ch] = make(map[string]string, len(names))
		}
		for _, name := range names {
			if _, exists := f.required[ch][name]; !exists {
				f.required[ch][name] = c.Name
			}
		}
	}

	// Union declared outputs, preserving declaration order.
	for _, signal := range c.Outputs {
		if !containsString(f.outputs, signal) {
			f.outputs = append(f.outputs, signal)
		}
	}
	for _, signal := range f.outputs {
		f.signalHandlers[signal] = HandlerName(signal)
	}

	// Overlay per-mode handler overrides.
	for mode, override := range c.ModeOverrides {
		merged := f.overrides[mode]
		if merged == nil {
			merged = make(map[Channel]HandlerSet, len(handlerChannels))
			f.overrides[mode] = merged
		}
		for _, ch := range handlerChannels {
			for name, fn := range override.channel(ch) {
				if merged[ch] == nil {
					merged[ch] = make(HandlerSet)
				}
				merged[ch][name] = fn
			}
		}
	}

	return f
}

// validateContract checks that every required (channel, handler) pair has an
// implementation or a default somewhere in the flattened view. All
// violations are enumerated before failing.
func (f *flattened) validateContract() error {
	var violations []Violation

	for ch, names := range f.required {
		for name, demander := range names {
			if _, ok := f.handlers[ch][name]; ok {
				continue
			}
			if _, ok := f.defaults[ch][name]; ok {
				continue
			}
			violations = append(violations, Violation{
				Channel:    ch,
				Handler:    name,
				DemandedBy: demander,
			})
		}
	}

	if len(violations) == 0 {
		return nil
	}

	// Deterministic ordering for error reporting and tests.
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Channel != violations[j].Channel {
			return violations[i].Channel < violations[j].Channel
		}
		return violations[i].Handler < violations[j].Handler
	})

	return &ContractError{Class: f.class.Name, Violations: violations}
}

func copySet(src HandlerSet) HandlerSet {
	dst := make(HandlerSet, len(src))
	for name, fn := range src {
		dst[name] = fn
	}
	return dst
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
