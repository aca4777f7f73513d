package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// MemoryStore keeps everything in maps. It backs tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	hosts    map[string]*model.Host
	byAddr   map[string]string
	clusters map[string]*model.Cluster
	links    map[string][]model.StorageLink
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts:    make(map[string]*model.Host),
		byAddr:   make(map[string]string),
		clusters: make(map[string]*model.Cluster),
		links:    make(map[string][]model.StorageLink),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateHost(_ context.Context, h *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byAddr[h.ManagementAddress]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, h.ManagementAddress)
	}
	if _, exists := s.hosts[h.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, h.ID)
	}

	now := s.now().UTC()
	h.CreatedAt, h.UpdatedAt = now, now
	s.hosts[h.ID] = h.Clone()
	s.byAddr[h.ManagementAddress] = h.ID
	return nil
}

func (s *MemoryStore) GetHost(_ context.Context, id string) (*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return h.Clone(), nil
}

func (s *MemoryStore) FindHostByAddress(_ context.Context, address string) (*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddr[address]
	if !ok {
		return nil, fmt.Errorf("%w: address %s", ErrHostNotFound, address)
	}
	return s.hosts[id].Clone(), nil
}

func (s *MemoryStore) UpdateHost(_ context.Context, h *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.hosts[h.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, h.ID)
	}
	if h.ManagementAddress != old.ManagementAddress {
		if _, taken := s.byAddr[h.ManagementAddress]; taken {
			return fmt.Errorf("%w: %s", ErrDuplicateAddress, h.ManagementAddress)
		}
		delete(s.byAddr, old.ManagementAddress)
		s.byAddr[h.ManagementAddress] = h.ID
	}

	h.CreatedAt = old.CreatedAt
	h.UpdatedAt = s.now().UTC()
	s.hosts[h.ID] = h.Clone()
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, change StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	if h.Status != change.From {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, h.Status, change.From)
	}

	h.Status = change.To
	h.ManagementNodeID = change.NodeID
	if change.OS != nil {
		h.OS = *change.OS
	}
	h.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) DeleteHost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	delete(s.byAddr, h.ManagementAddress)
	delete(s.hosts, id)
	delete(s.links, id)
	return nil
}

func (s *MemoryStore) ListHosts(_ context.Context, filter HostFilter) ([]*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	ids := make([]string, 0, len(s.hosts))
	for id := range s.hosts {
		if id > filter.AfterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]*model.Host, 0, min(limit, len(ids)))
	for _, id := range ids {
		h := s.hosts[id]
		if filter.ClusterID != "" && h.ClusterID != filter.ClusterID {
			continue
		}
		if filter.ExcludeID != "" && h.ID == filter.ExcludeID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, h.Status) {
			continue
		}
		out = append(out, h.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCluster(_ context.Context, id string) (*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) PutCluster(_ context.Context, c *model.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.clusters[c.ID] = &cp
	return nil
}

func (s *MemoryStore) ListStorageLinks(_ context.Context, hostID string) ([]model.StorageLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.links[hostID]), nil
}

// PutStorageLink inserts or replaces the (HostID, StorageID) link
func (s *MemoryStore) PutStorageLink(_ context.Context, link model.StorageLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.links[link.HostID]
	for i := range links {
		if links[i].StorageID == link.StorageID {
			links[i] = link
			return nil
		}
	}
	s.links[link.HostID] = append(links, link)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
