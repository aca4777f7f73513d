package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/parallel"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

// Sweep triggers
const (
	TriggerStartup   = "startup"
	TriggerDeparture = "departure"
	TriggerJoin      = "join"
)

// Connector issues one connect request for a host
type Connector interface {
	Connect(ctx context.Context, host *model.Host) error
}

// LivenessTracker passively watches hosts that are already connected
type LivenessTracker interface {
	Track(hostID string)
	Untrack(hostID string)
}

// OwnedHosts partitions the hosts this node owns
type OwnedHosts struct {
	Connected    []*model.Host
	NotConnected []*model.Host
}

// All returns both partitions, connected first
func (o OwnedHosts) All() []*model.Host {
	out := make([]*model.Host, 0, len(o.Connected)+len(o.NotConnected))
	out = append(out, o.Connected...)
	return append(out, o.NotConnected...)
}

// SweepResult summarises one reconnection sweep
type SweepResult struct {
	Trigger   string
	Attempted int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Coordinator reacts to membership changes and startup by connecting the hosts this
// node owns. Sweeps never overlap.
type Coordinator struct {
	config     ClusterConfig
	membership *ClusterMembership
	hosts      storage.HostStore
	connector  Connector
	liveness   LivenessTracker
	metrics    *metrics.Registry
	logger     logging.Logger

	sweepMu sync.Mutex
}

// NewCoordinator wires a coordinator; reg may be nil
func NewCoordinator(config ClusterConfig, membership *ClusterMembership, hosts storage.HostStore,
	connector Connector, liveness LivenessTracker, reg *metrics.Registry, logger logging.Logger) *Coordinator {
	return &Coordinator{
		config:     config,
		membership: membership,
		hosts:      hosts,
		connector:  connector,
		liveness:   liveness,
		metrics:    reg,
		logger:     logging.OrDefault(logger).With(logging.Component("coordinator"), logging.NodeID(config.NodeID)),
	}
}

// ScanOwned pages through every host and keeps those live assigns to this node
func (c *Coordinator) ScanOwned(ctx context.Context, live []string) (OwnedHosts, error) {
	var owned OwnedHosts
	err := storage.ForEachHostPage(ctx, c.hosts, storage.HostFilter{}, c.config.PageSize, func(page []*model.Host) error {
		for _, h := range page {
			if !Owns(c.config.NodeID, h.ID, live) {
				continue
			}
			if h.Status == model.StatusConnected {
				owned.Connected = append(owned.Connected, h)
			} else {
				owned.NotConnected = append(owned.NotConnected, h)
			}
		}
		return nil
	})
	if err != nil {
		return OwnedHosts{}, err
	}
	if c.metrics != nil {
		c.metrics.SetOwnedHosts(len(owned.Connected), len(owned.NotConnected))
	}
	return owned, nil
}

// Startup connects owned hosts after this node becomes ready. With
// ReconnectAllOnBoot every owned host is re-handshaked; otherwise Connected
// hosts are handed to the liveness tracker and only the rest are connected.
func (c *Coordinator) Startup(ctx context.Context) (SweepResult, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	owned, err := c.ScanOwned(ctx, c.membership.LiveNodeIDs())
	if err != nil {
		return SweepResult{}, err
	}

	c.logger.Info("startup ownership scan complete",
		logging.Int("connected", len(owned.Connected)),
		logging.Int("not_connected", len(owned.NotConnected)),
		logging.Bool("reconnect_all_on_boot", c.config.ReconnectAllOnBoot))

	if c.config.ReconnectAllOnBoot {
		return c.sweep(ctx, TriggerStartup, owned.All()), nil
	}
	for _, h := range owned.Connected {
		c.liveness.Track(h.ID)
	}
	return c.sweep(ctx, TriggerStartup, owned.NotConnected), nil
}

// OnNodeLeft takes over hosts after a peer departs. Hosts already Connected to
// this node are left alone.
func (c *Coordinator) OnNodeLeft(ctx context.Context, nodeID string) (SweepResult, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	live := without(c.membership.LiveNodeIDs(), nodeID)
	owned, err := c.ScanOwned(ctx, live)
	if err != nil {
		return SweepResult{}, err
	}

	var targets []*model.Host
	for _, h := range owned.All() {
		if h.Status == model.StatusConnected && h.ManagementNodeID == c.config.NodeID {
			continue
		}
		targets = append(targets, h)
	}

	c.logger.Info("management node departed",
		logging.String("departed", nodeID),
		logging.Int("owned", len(owned.Connected)+len(owned.NotConnected)),
		logging.Int("targets", len(targets)))

	return c.sweep(ctx, TriggerDeparture, targets), nil
}

// OnNodeJoined hands hosts to a new peer and picks up any this node now owns
func (c *Coordinator) OnNodeJoined(ctx context.Context, nodeID string) (SweepResult, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	live := c.membership.LiveNodeIDs()
	before := without(live, nodeID)

	var released int
	var targets []*model.Host
	err := storage.ForEachHostPage(ctx, c.hosts, storage.HostFilter{}, c.config.PageSize, func(page []*model.Host) error {
		for _, h := range page {
			was := Owns(c.config.NodeID, h.ID, before)
			is := Owns(c.config.NodeID, h.ID, live)
			switch {
			case was && !is:
				c.liveness.Untrack(h.ID)
				released++
			case !was && is:
				if h.Status == model.StatusConnected && h.ManagementNodeID == c.config.NodeID {
					continue
				}
				targets = append(targets, h)
			}
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	c.logger.Info("management node joined",
		logging.String("joined", nodeID),
		logging.Int("released", released),
		logging.Int("targets", len(targets)))

	return c.sweep(ctx, TriggerJoin, targets), nil
}

// sweep sends one connect request per target with bounded parallelism. Failures are
// logged and counted; the next sweep retries them.
func (c *Coordinator) sweep(ctx context.Context, trigger string, targets []*model.Host) SweepResult {
	timer := logging.StartTimer(c.logger, "sweep_"+trigger)
	var succeeded, failed atomic.Int64

	err := parallel.ForEach(targets, c.config.ReconnectParallelism, c.logger, func(h *model.Host) {
		if err := c.connector.Connect(ctx, h); err != nil {
			failed.Add(1)
			c.logger.Warn("reconnect failed",
				logging.String("trigger", trigger),
				logging.HostID(h.ID),
				logging.Address(h.ManagementAddress),
				logging.Error(err))
			return
		}
		succeeded.Add(1)
	})
	if err != nil {
		c.logger.Error("sweep could not start", logging.Error(err))
	}

	result := SweepResult{
		Trigger:   trigger,
		Attempted: len(targets),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Duration:  timer.Elapsed(),
	}
	timer.End(logging.Count(result.Attempted), logging.Int("failed", result.Failed))
	if c.metrics != nil {
		c.metrics.RecordSweep(trigger, result.Succeeded, result.Failed, result.Duration)
	}
	return result
}

// RunHooks let the caller join the startup sequence; both are optional
type RunHooks struct {
	// BeforeStartup runs once the membership subscriptions exist
	BeforeStartup func(ctx context.Context)
	// Ready receives the startup sweep result
	Ready func(SweepResult)
}

// Run subscribes to membership events, runs the startup sweep, then reacts to
// membership events until ctx ends. Events published during the startup sweep
// queue on the subscriptions.
func (c *Coordinator) Run(ctx context.Context, bus *pubsub.PubSub, hooks RunHooks) error {
	joined, err := bus.Subscribe(ctx, pubsub.TopicNodeJoined)
	if err != nil {
		return err
	}
	defer joined.Unsubscribe()
	left, err := bus.Subscribe(ctx, pubsub.TopicNodeLeft)
	if err != nil {
		return err
	}
	defer left.Unsubscribe()

	if hooks.BeforeStartup != nil {
		hooks.BeforeStartup(ctx)
	}
	result, err := c.Startup(ctx)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if hooks.Ready != nil {
		hooks.Ready(result)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-joined.Channel():
			if ev, ok := e.(pubsub.NodeJoined); ok && ev.NodeID != c.config.NodeID {
				if _, err := c.OnNodeJoined(ctx, ev.NodeID); err != nil {
					c.logger.Error("join handling failed", logging.String("joined", ev.NodeID), logging.Error(err))
				}
			}
		case e := <-left.Channel():
			if ev, ok := e.(pubsub.NodeLeft); ok {
				if _, err := c.OnNodeLeft(ctx, ev.NodeID); err != nil {
					c.logger.Error("departure handling failed", logging.String("departed", ev.NodeID), logging.Error(err))
				}
			}
		}
	}
}
