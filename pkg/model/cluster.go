package model

// Cluster groups hosts of a single hypervisor type inside a zone
type Cluster struct {
	ID             string         `json:"id"`
	ZoneID         string         `json:"zone_id"`
	HypervisorType HypervisorType `json:"hypervisor_type"`
}

// LinkStatus is the state of a host's connection to a storage pool
type LinkStatus string

const (
	LinkConnected    LinkStatus = "Connected"
	LinkDisconnected LinkStatus = "Disconnected"
)

// StorageLink relates a host to a storage pool. Owned by the storage subsystem.
type StorageLink struct {
	HostID    string     `json:"host_id"`
	StorageID string     `json:"storage_id"`
	Status    LinkStatus `json:"status"`
}
