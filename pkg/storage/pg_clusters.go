package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// GetCluster retrieves a cluster by ID
func (s *PGStore) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	var c model.Cluster
	var hypervisor string
	err := s.pool.QueryRow(ctx,
		`SELECT id, zone_id, hypervisor_type FROM clusters WHERE id = $1`, id,
	).Scan(&c.ID, &c.ZoneID, &hypervisor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	c.HypervisorType = model.HypervisorType(hypervisor)
	return &c, nil
}

// PutCluster inserts or replaces a cluster
func (s *PGStore) PutCluster(ctx context.Context, c *model.Cluster) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clusters (id, zone_id, hypervisor_type) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET zone_id = EXCLUDED.zone_id, hypervisor_type = EXCLUDED.hypervisor_type`,
		c.ID, c.ZoneID, string(c.HypervisorType))
	if err != nil {
		return fmt.Errorf("failed to put cluster: %w", err)
	}
	return nil
}

// ListStorageLinks returns every link of a host
func (s *PGStore) ListStorageLinks(ctx context.Context, hostID string) ([]model.StorageLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT host_id, storage_id, status FROM storage_links WHERE host_id = $1 ORDER BY storage_id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage links: %w", err)
	}
	defer rows.Close()

	var links []model.StorageLink
	for rows.Next() {
		var l model.StorageLink
		var status string
		if err := rows.Scan(&l.HostID, &l.StorageID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan storage link: %w", err)
		}
		l.Status = model.LinkStatus(status)
		links = append(links, l)
	}
	return links, rows.Err()
}

// PutStorageLink inserts or replaces a link
func (s *PGStore) PutStorageLink(ctx context.Context, link model.StorageLink) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO storage_links (host_id, storage_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (host_id, storage_id) DO UPDATE SET status = EXCLUDED.status`,
		link.HostID, link.StorageID, string(link.Status))
	if err != nil {
		return fmt.Errorf("failed to put storage link: %w", err)
	}
	return nil
}
