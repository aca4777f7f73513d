package extension

import (
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

type registration struct {
	ext    Extension
	shared bool
}

// Builder collects extensions in registration order
type Builder struct {
	regs []registration
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Register adds ext; its hooks are discovered from the interfaces it implements.
// A message handler registered this way must be the only claimant of its kinds.
func (b *Builder) Register(ext Extension) *Builder {
	b.regs = append(b.regs, registration{ext: ext})
	return b
}

// RegisterShared adds a message handler that may share kinds with other shared
// handlers. The first one registered for a kind handles it.
func (b *Builder) RegisterShared(h MessageHandler) *Builder {
	b.regs = append(b.regs, registration{ext: h, shared: true})
	return b
}

// Build validates the registrations and freezes them into a Dispatcher
func (b *Builder) Build(logger logging.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[protocol.Kind]MessageHandler),
		logger:   logging.OrDefault(logger).With(logging.Component("extensions")),
	}

	names := make(map[string]bool, len(b.regs))
	claimed := make(map[protocol.Kind]registration)

	for _, reg := range b.regs {
		name := reg.ext.Name()
		if names[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExtension, name)
		}
		names[name] = true
		d.names = append(d.names, name)

		hooked := false
		if h, ok := reg.ext.(BeforeAddHook); ok {
			d.beforeAdd = append(d.beforeAdd, h)
			hooked = true
		}
		if h, ok := reg.ext.(AfterAddHook); ok {
			d.afterAdd = append(d.afterAdd, h)
			hooked = true
		}
		if h, ok := reg.ext.(FailedAddHook); ok {
			d.failedAdd = append(d.failedAdd, h)
			hooked = true
		}
		if h, ok := reg.ext.(MessageHandler); ok {
			hooked = true
			for _, kind := range h.Kinds() {
				if !kind.Valid() {
					return nil, fmt.Errorf("extension %s: %w: %d", name, protocol.ErrUnknownMessageKind, uint8(kind))
				}
				prev, taken := claimed[kind]
				if taken && !(prev.shared && reg.shared) {
					return nil, fmt.Errorf("%w: %s claimed by %s and %s",
						ErrHandlerConflict, kind, prev.ext.Name(), name)
				}
				if !taken {
					claimed[kind] = reg
					d.handlers[kind] = h
				}
			}
		}
		if !hooked {
			return nil, fmt.Errorf("%w: %s", ErrNoHooks, name)
		}
	}

	return d, nil
}
