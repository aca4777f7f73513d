package hypervisor

import (
	"context"
	"fmt"
	"maps"

	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// CommandFunc handles one named hypervisor command
type CommandFunc func(ctx context.Context, host *model.Host, args []byte) (*protocol.Answer, error)

// Generic is a table-driven capability for hypervisors whose admission needs no
// special handling beyond copying the request.
type Generic struct {
	Kind     model.HypervisorType
	Commands map[string]CommandFunc
}

// NewGeneric creates a capability for kind with the given commands
func NewGeneric(kind model.HypervisorType, commands map[string]CommandFunc) *Generic {
	return &Generic{Kind: kind, Commands: maps.Clone(commands)}
}

func (g *Generic) Type() model.HypervisorType {
	return g.Kind
}

func (g *Generic) NewHost(req *model.AddHostRequest, cluster *model.Cluster) (*model.Host, error) {
	if cluster.HypervisorType != g.Kind {
		return nil, fmt.Errorf("%w: cluster %s is %s, capability is %s",
			ErrHypervisorMismatch, cluster.ID, cluster.HypervisorType, g.Kind)
	}

	name := req.Name
	if name == "" {
		name = req.ManagementAddress
	}

	h := &model.Host{
		Name:              name,
		Description:       req.Description,
		ClusterID:         cluster.ID,
		ZoneID:            cluster.ZoneID,
		HypervisorType:    g.Kind,
		ManagementAddress: req.ManagementAddress,
		Tags:              maps.Clone(req.Tags),
	}
	return h, nil
}

func (g *Generic) HandleCommand(ctx context.Context, host *model.Host, cmd protocol.CommandPayload) (*protocol.Answer, error) {
	fn, ok := g.Commands[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, cmd.Name, g.Kind)
	}
	return fn(ctx, host, cmd.Args)
}
