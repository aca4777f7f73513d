package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

func seedCluster(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.PutCluster(context.Background(), &model.Cluster{ID: "C1", ZoneID: "Z1", HypervisorType: "KVM"}))
	require.NoError(t, s.PutCluster(context.Background(), &model.Cluster{ID: "C2", ZoneID: "Z1", HypervisorType: "KVM"}))
}

func newHost(id, addr, cluster string, status model.Status) *model.Host {
	return &model.Host{
		ID:                id,
		Name:              id,
		ClusterID:         cluster,
		ZoneID:            "Z1",
		HypervisorType:    "KVM",
		Status:            status,
		AdminState:        model.AdminEnabled,
		ManagementAddress: addr,
		Tags:              map[string]string{"rack": "1"},
	}
}

// runStoreContract exercises behaviour every Store implementation must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateGetFind", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)

		h := newHost("h-001", "10.0.0.5", "C1", model.StatusConnecting)
		require.NoError(t, s.CreateHost(ctx, h))
		assert.False(t, h.CreatedAt.IsZero())

		got, err := s.GetHost(ctx, "h-001")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", got.ManagementAddress)
		assert.Equal(t, "1", got.Tags["rack"])

		byAddr, err := s.FindHostByAddress(ctx, "10.0.0.5")
		require.NoError(t, err)
		assert.Equal(t, "h-001", byAddr.ID)

		_, err = s.GetHost(ctx, "missing")
		assert.ErrorIs(t, err, ErrHostNotFound)
		_, err = s.FindHostByAddress(ctx, "10.9.9.9")
		assert.ErrorIs(t, err, ErrHostNotFound)
	})

	t.Run("DuplicateAddress", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)

		require.NoError(t, s.CreateHost(ctx, newHost("h-001", "10.0.0.5", "C1", model.StatusConnecting)))
		err := s.CreateHost(ctx, newHost("h-002", "10.0.0.5", "C1", model.StatusConnecting))
		assert.ErrorIs(t, err, ErrDuplicateAddress)
	})

	t.Run("SetStatusCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)
		require.NoError(t, s.CreateHost(ctx, newHost("h-001", "10.0.0.5", "C1", model.StatusConnecting)))

		osInfo := &model.OSInfo{Distro: "Ubuntu", Release: "22.04", Version: "5.15"}
		require.NoError(t, s.SetStatus(ctx, "h-001", StatusChange{
			From: model.StatusConnecting, To: model.StatusConnected, NodeID: "n1", OS: osInfo,
		}))

		got, err := s.GetHost(ctx, "h-001")
		require.NoError(t, err)
		assert.Equal(t, model.StatusConnected, got.Status)
		assert.Equal(t, "n1", got.ManagementNodeID)
		assert.Equal(t, *osInfo, got.OS)

		err = s.SetStatus(ctx, "h-001", StatusChange{From: model.StatusConnecting, To: model.StatusDisconnected})
		assert.ErrorIs(t, err, ErrStatusConflict)

		err = s.SetStatus(ctx, "missing", StatusChange{From: model.StatusConnecting, To: model.StatusConnected})
		assert.ErrorIs(t, err, ErrHostNotFound)
	})

	t.Run("DeleteFreesAddress", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)
		require.NoError(t, s.CreateHost(ctx, newHost("h-001", "10.0.0.5", "C1", model.StatusConnecting)))
		require.NoError(t, s.PutStorageLink(ctx, model.StorageLink{HostID: "h-001", StorageID: "s1", Status: model.LinkConnected}))

		require.NoError(t, s.DeleteHost(ctx, "h-001"))
		assert.ErrorIs(t, s.DeleteHost(ctx, "h-001"), ErrHostNotFound)

		links, err := s.ListStorageLinks(ctx, "h-001")
		require.NoError(t, err)
		assert.Empty(t, links)

		require.NoError(t, s.CreateHost(ctx, newHost("h-002", "10.0.0.5", "C1", model.StatusConnecting)))
	})

	t.Run("ListHostsFiltersAndPages", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)
		for i := 0; i < 25; i++ {
			status := model.StatusConnected
			if i%5 == 0 {
				status = model.StatusDisconnected
			}
			cluster := "C1"
			if i >= 20 {
				cluster = "C2"
			}
			h := newHost(fmt.Sprintf("h-%03d", i), fmt.Sprintf("10.0.1.%d", i), cluster, status)
			require.NoError(t, s.CreateHost(ctx, h))
		}

		c1, err := s.ListHosts(ctx, HostFilter{ClusterID: "C1", ExcludeID: "h-001"})
		require.NoError(t, err)
		assert.Len(t, c1, 19)

		down, err := s.ListHosts(ctx, HostFilter{Statuses: []model.Status{model.StatusDisconnected}})
		require.NoError(t, err)
		assert.Len(t, down, 5)

		var seen []string
		var pages int
		err = ForEachHostPage(ctx, s, HostFilter{}, 10, func(page []*model.Host) error {
			pages++
			for _, h := range page {
				seen = append(seen, h.ID)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, pages)
		assert.Len(t, seen, 25)
		assert.IsIncreasing(t, seen)
	})

	t.Run("ClustersAndLinks", func(t *testing.T) {
		s := newStore(t)
		seedCluster(t, s)

		c, err := s.GetCluster(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, model.HypervisorType("KVM"), c.HypervisorType)

		_, err = s.GetCluster(ctx, "C9")
		assert.ErrorIs(t, err, ErrClusterNotFound)

		require.NoError(t, s.CreateHost(ctx, newHost("h-001", "10.0.0.5", "C1", model.StatusConnected)))
		require.NoError(t, s.PutStorageLink(ctx, model.StorageLink{HostID: "h-001", StorageID: "s1", Status: model.LinkConnected}))
		require.NoError(t, s.PutStorageLink(ctx, model.StorageLink{HostID: "h-001", StorageID: "s1", Status: model.LinkDisconnected}))
		require.NoError(t, s.PutStorageLink(ctx, model.StorageLink{HostID: "h-001", StorageID: "s2", Status: model.LinkConnected}))

		links, err := s.ListStorageLinks(ctx, "h-001")
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, model.LinkDisconnected, links[0].Status)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

// TestPGStore runs against a real database when FLEET_TEST_DATABASE_URL is set
func TestPGStore(t *testing.T) {
	url := os.Getenv("FLEET_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FLEET_TEST_DATABASE_URL not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPGStore(ctx, url, 4)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE storage_links, hosts, clusters CASCADE`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestForEachHostPage_StopsOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedCluster(t, s)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateHost(ctx, newHost(fmt.Sprintf("h-%d", i), fmt.Sprintf("10.0.0.%d", i), "C1", model.StatusConnected)))
	}

	sentinel := errors.New("stop")
	calls := 0
	err := ForEachHostPage(ctx, s, HostFilter{}, 1, func([]*model.Host) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
