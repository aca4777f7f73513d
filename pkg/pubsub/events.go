package pubsub

import "github.com/dd0wney/cluso-fleet/pkg/model"

// Event is anything published on the bus
type Event interface {
	Topic() string
}

// Canonical topics
const (
	TopicStorageLinkStatusChanged = "storage.link.status_changed"
	TopicHostDisconnected         = "host.disconnected"
	TopicHostConnected            = "host.connected"
	TopicHostAdded                = "host.added"
	TopicNodeJoined               = "node.joined"
	TopicNodeLeft                 = "node.left"
)

// StorageLinkStatusChanged is consumed from the storage subsystem
type StorageLinkStatusChanged struct {
	HostID    string
	StorageID string
	Old       model.LinkStatus
	New       model.LinkStatus
}

func (StorageLinkStatusChanged) Topic() string { return TopicStorageLinkStatusChanged }

// HostDisconnected is published when a host moves to Disconnected
type HostDisconnected struct {
	HostID string
	Cause  string
}

func (HostDisconnected) Topic() string { return TopicHostDisconnected }

// HostConnected is published after a successful handshake
type HostConnected struct {
	HostID string
	NodeID string
}

func (HostConnected) Topic() string { return TopicHostConnected }

// HostAdded is published when the add workflow succeeds
type HostAdded struct {
	Inventory model.Inventory
}

func (HostAdded) Topic() string { return TopicHostAdded }

// NodeJoined is published when a management node enters the live set
type NodeJoined struct {
	NodeID string
	Addr   string
}

func (NodeJoined) Topic() string { return TopicNodeJoined }

// NodeLeft is published when a management node leaves the live set
type NodeLeft struct {
	NodeID string
}

func (NodeLeft) Topic() string { return TopicNodeLeft }
