package model

import (
	"fmt"
	"time"
)

// Status is a host's connection status
type Status string

const (
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusDisconnected Status = "Disconnected"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusDisconnected:
		return true
	}
	return false
}

// AdminState is the operator-controlled state of a host
type AdminState string

const (
	AdminEnabled  AdminState = "Enabled"
	AdminDisabled AdminState = "Disabled"
)

// HypervisorType names a kind of host (KVM, XenServer, ...)
type HypervisorType string

// OSInfo is the (distro, release, version) triple a host reports during handshake
type OSInfo struct {
	Distro  string `json:"distro,omitempty"`
	Release string `json:"release,omitempty"`
	Version string `json:"version,omitempty"`
}

// Complete reports whether all three fields are populated
func (o OSInfo) Complete() bool {
	return o.Distro != "" && o.Release != "" && o.Version != ""
}

func (o OSInfo) String() string {
	return fmt.Sprintf("%s %s (%s)", o.Distro, o.Release, o.Version)
}

// Host is a compute node under management
type Host struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	ClusterID         string            `json:"cluster_id"`
	ZoneID            string            `json:"zone_id"`
	HypervisorType    HypervisorType    `json:"hypervisor_type"`
	Status            Status            `json:"status"`
	AdminState        AdminState        `json:"admin_state"`
	ManagementAddress string            `json:"management_address"`
	ManagementNodeID  string            `json:"management_node_id,omitempty"` // node holding the connection
	OS                OSInfo            `json:"os"`
	Tags              map[string]string `json:"tags,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Clone returns a deep copy
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	c := *h
	if h.Tags != nil {
		c.Tags = make(map[string]string, len(h.Tags))
		for k, v := range h.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// Inventory returns the snapshot handed back to add-host callers
func (h *Host) Inventory() Inventory {
	return Inventory{
		ID:                h.ID,
		Name:              h.Name,
		Description:       h.Description,
		HypervisorType:    h.HypervisorType,
		ManagementAddress: h.ManagementAddress,
		Status:            h.Status,
		AdminState:        h.AdminState,
		ClusterID:         h.ClusterID,
		ZoneID:            h.ZoneID,
	}
}

// Inventory is the host snapshot returned by add-host
type Inventory struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	HypervisorType    HypervisorType `json:"hypervisor_type"`
	ManagementAddress string         `json:"management_address"`
	Status            Status         `json:"status"`
	AdminState        AdminState     `json:"admin_state"`
	ClusterID         string         `json:"cluster_id"`
	ZoneID            string         `json:"zone_id"`
}

// AddHostRequest is the single request shape accepted by the orchestrator
type AddHostRequest struct {
	ID                string            `json:"id,omitempty" validate:"omitempty,max=64"`
	ManagementAddress string            `json:"management_address" validate:"required,hostname_rfc1123|ip"`
	ClusterID         string            `json:"cluster_id" validate:"required,max=64"`
	Name              string            `json:"name,omitempty" validate:"omitempty,max=255"`
	Description       string            `json:"description,omitempty" validate:"omitempty,max=1024"`
	Tags              map[string]string `json:"tags,omitempty" validate:"omitempty,max=64"`
	RouteHint         string            `json:"route_hint,omitempty" validate:"omitempty,max=255"`
}
