// Package hypervisor maps hypervisor types to the capability that knows how to admit and drive them.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

var (
	ErrDuplicateCapability    = errors.New("duplicate hypervisor capability")
	ErrUnregisteredHypervisor = errors.New("no capability registered for hypervisor type")
	ErrHypervisorMismatch     = errors.New("cluster hypervisor type does not match capability")
	ErrUnsupportedCommand     = errors.New("unsupported hypervisor command")
)

// Capability is the hypervisor-specific part of host admission and control
type Capability interface {
	Type() model.HypervisorType
	// NewHost builds the host row for req in cluster. The caller assigns ID and status.
	NewHost(req *model.AddHostRequest, cluster *model.Cluster) (*model.Host, error)
	HandleCommand(ctx context.Context, host *model.Host, cmd protocol.CommandPayload) (*protocol.Answer, error)
}

// Table is built once at startup and never modified
type Table struct {
	caps map[model.HypervisorType]Capability
}

// Build registers every capability; two capabilities for one type is an error
func Build(caps ...Capability) (*Table, error) {
	t := &Table{caps: make(map[model.HypervisorType]Capability, len(caps))}
	for _, c := range caps {
		if c == nil {
			continue
		}
		if _, exists := t.caps[c.Type()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Type())
		}
		t.caps[c.Type()] = c
	}
	return t, nil
}

// Lookup returns the capability for ht. Unknown types are never defaulted.
func (t *Table) Lookup(ht model.HypervisorType) (Capability, error) {
	c, ok := t.caps[ht]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredHypervisor, ht)
	}
	return c, nil
}

// Types returns the registered types sorted by name
func (t *Table) Types() []model.HypervisorType {
	out := make([]model.HypervisorType, 0, len(t.caps))
	for ht := range t.caps {
		out = append(out, ht)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
