// Package storage persists hosts, clusters and storage links.
package storage

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// Sentinel errors
var (
	ErrHostNotFound     = errors.New("host not found")
	ErrClusterNotFound  = errors.New("cluster not found")
	ErrDuplicateAddress = errors.New("management address already registered")
	ErrDuplicateID      = errors.New("host ID already exists")
	ErrStatusConflict   = errors.New("host status changed concurrently")
)

// DefaultPageSize bounds ListHosts when the filter sets no limit
const DefaultPageSize = 10000

// HostFilter selects hosts for ListHosts. Results are ordered by ID; AfterID is the
// keyset cursor (the last ID of the previous page).
type HostFilter struct {
	ClusterID string
	Statuses  []model.Status
	ExcludeID string
	AfterID   string
	Limit     int
}

// StatusChange moves a host from one status to another. The write only happens if
// the stored status still equals From.
type StatusChange struct {
	From   model.Status
	To     model.Status
	NodeID string        // recorded as ManagementNodeID
	OS     *model.OSInfo // nil leaves the stored triple alone
}

// HostStore persists hosts
type HostStore interface {
	CreateHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	FindHostByAddress(ctx context.Context, address string) (*model.Host, error)
	UpdateHost(ctx context.Context, h *model.Host) error
	SetStatus(ctx context.Context, id string, change StatusChange) error
	DeleteHost(ctx context.Context, id string) error
	ListHosts(ctx context.Context, filter HostFilter) ([]*model.Host, error)
}

// ClusterStore reads clusters
type ClusterStore interface {
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
	PutCluster(ctx context.Context, c *model.Cluster) error
}

// StorageLinkStore reads host to storage pool links
type StorageLinkStore interface {
	ListStorageLinks(ctx context.Context, hostID string) ([]model.StorageLink, error)
	PutStorageLink(ctx context.Context, link model.StorageLink) error
}

// Store is everything the orchestrator persists
type Store interface {
	HostStore
	ClusterStore
	StorageLinkStore
	Ping(ctx context.Context) error
	Close() error
}

// ForEachHostPage walks every host matching filter in pages of pageSize
func ForEachHostPage(ctx context.Context, s HostStore, filter HostFilter, pageSize int, fn func([]*model.Host) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	filter.Limit = pageSize
	for {
		page, err := s.ListHosts(ctx, filter)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		filter.AfterID = page[len(page)-1].ID
	}
}
