// Package hostmgr admits hosts into the fleet and handles the messages their
// agents send back. It composes the serializer, workflow engine, connection
// state machine, hypervisor table and extension dispatcher.
package hostmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/cluster"
	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/extension"
	"github.com/dd0wney/cluso-fleet/pkg/hypervisor"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/parallel"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
	"github.com/dd0wney/cluso-fleet/pkg/transport"
)

// Serializer keys
const (
	AdmissionKey     = "add-admission"
	addressKeyPrefix = "add-host:"
	reconnectPrefix  = "reconnect:"
)

// AddressKey is the serializer key guarding one management address
func AddressKey(address string) string {
	return addressKeyPrefix + address
}

// Store is what the manager reads and writes directly
type Store interface {
	storage.HostStore
	storage.ClusterStore
}

// Liveness is the passive ping tracker
type Liveness interface {
	Track(hostID string)
	Untrack(hostID string)
	Ping(hostID string) bool
}

// TokenIssuer signs connect tokens
type TokenIssuer interface {
	Issue(nodeID, hostID string) (string, error)
}

// Config identifies this management node and bounds admission
type Config struct {
	NodeID   string
	NodeAddr string
	// AdmissionLimit caps concurrent adds; see config.AdmissionConfig.Limit
	AdmissionLimit int
}

// Deps are the collaborators a Manager needs. Tokens, Metrics and Bus may be nil.
type Deps struct {
	Store      Store
	Machine    *connection.Machine
	Table      *hypervisor.Table
	Extensions *extension.Dispatcher
	Transport  transport.Transport
	Serializer *parallel.Serializer
	Liveness   Liveness
	Tokens     TokenIssuer
	Bus        *pubsub.PubSub
	Metrics    *metrics.Registry
	Logger     logging.Logger
}

// Manager runs add-host, reconnects hosts for the coordinator and routes inbound messages
type Manager struct {
	config     Config
	store      Store
	machine    *connection.Machine
	table      *hypervisor.Table
	extensions *extension.Dispatcher
	transport  transport.Transport
	serializer *parallel.Serializer
	liveness   Liveness
	tokens     TokenIssuer
	bus        *pubsub.PubSub
	metrics    *metrics.Registry
	logger     logging.Logger
}

var _ cluster.Connector = (*Manager)(nil)

// NewManager checks deps and builds a manager
func NewManager(config Config, deps Deps) (*Manager, error) {
	if config.NodeID == "" {
		return nil, errors.New("hostmgr: node ID is required")
	}
	if config.AdmissionLimit < 1 {
		config.AdmissionLimit = 1
	}

	var missing []error
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, fmt.Errorf("hostmgr: %s is required", name))
		}
	}
	check(deps.Store != nil, "store")
	check(deps.Machine != nil, "connection machine")
	check(deps.Table != nil, "hypervisor table")
	check(deps.Extensions != nil, "extension dispatcher")
	check(deps.Transport != nil, "transport")
	check(deps.Serializer != nil, "serializer")
	check(deps.Liveness != nil, "liveness tracker")
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	return &Manager{
		config:     config,
		store:      deps.Store,
		machine:    deps.Machine,
		table:      deps.Table,
		extensions: deps.Extensions,
		transport:  deps.Transport,
		serializer: deps.Serializer,
		liveness:   deps.Liveness,
		tokens:     deps.Tokens,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     logging.OrDefault(deps.Logger).With(logging.Component("hostmgr")),
	}, nil
}

// Run stops liveness tracking of hosts disconnected elsewhere (storage cascade,
// peers) until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub, err := m.bus.Subscribe(ctx, pubsub.TopicHostDisconnected)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	pubsub.Handle(sub, func(ctx context.Context, e pubsub.HostDisconnected) {
		m.liveness.Untrack(e.HostID)
	})
	return ctx.Err()
}

func (m *Manager) publish(ctx context.Context, e pubsub.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn("publish failed", logging.String("topic", e.Topic()), logging.Error(err))
	}
}
