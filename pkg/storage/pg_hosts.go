package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

const hostColumns = `id, name, description, cluster_id, zone_id, hypervisor_type, status, admin_state,
	management_address, management_node_id, os_distro, os_release, os_version, tags, created_at, updated_at`

// CreateHost inserts a host row
func (s *PGStore) CreateHost(ctx context.Context, h *model.Host) error {
	tagsJSON, err := json.Marshal(h.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO hosts (` + hostColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`

	_, err = s.pool.Exec(ctx, query,
		h.ID, h.Name, h.Description, h.ClusterID, h.ZoneID, string(h.HypervisorType),
		string(h.Status), string(h.AdminState), h.ManagementAddress, h.ManagementNodeID,
		h.OS.Distro, h.OS.Release, h.OS.Version, tagsJSON, now,
	)
	switch uniqueConstraint(err) {
	case "":
	case "hosts_management_address_key":
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, h.ManagementAddress)
	default:
		return fmt.Errorf("%w: %s", ErrDuplicateID, h.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}

	h.CreatedAt, h.UpdatedAt = now, now
	return nil
}

// GetHost retrieves a host by ID
func (s *PGStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id)
	h, err := scanHost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return h, nil
}

// FindHostByAddress retrieves a host by management address
func (s *PGStore) FindHostByAddress(ctx context.Context, address string) (*model.Host, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE management_address = $1`, address)
	h, err := scanHost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: address %s", ErrHostNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find host: %w", err)
	}
	return h, nil
}

// UpdateHost rewrites the mutable columns of a host
func (s *PGStore) UpdateHost(ctx context.Context, h *model.Host) error {
	tagsJSON, err := json.Marshal(h.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE hosts SET name = $2, description = $3, status = $4, admin_state = $5,
			management_address = $6, management_node_id = $7,
			os_distro = $8, os_release = $9, os_version = $10, tags = $11, updated_at = $12
		WHERE id = $1`,
		h.ID, h.Name, h.Description, string(h.Status), string(h.AdminState),
		h.ManagementAddress, h.ManagementNodeID,
		h.OS.Distro, h.OS.Release, h.OS.Version, tagsJSON, now,
	)
	if uniqueConstraint(err) != "" {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, h.ManagementAddress)
	}
	if err != nil {
		return fmt.Errorf("failed to update host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrHostNotFound, h.ID)
	}
	h.UpdatedAt = now
	return nil
}

// SetStatus applies change only if the stored status still equals change.From
func (s *PGStore) SetStatus(ctx context.Context, id string, change StatusChange) error {
	args := []any{id, string(change.From), string(change.To), change.NodeID, time.Now().UTC()}
	set := `status = $3, management_node_id = $4, updated_at = $5`
	if change.OS != nil {
		set += `, os_distro = $6, os_release = $7, os_version = $8`
		args = append(args, change.OS.Distro, change.OS.Release, change.OS.Version)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE hosts SET `+set+` WHERE id = $1 AND status = $2`, args...)
	if err != nil {
		return fmt.Errorf("failed to set host status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a lost race
	if _, err := s.GetHost(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s no longer %s", ErrStatusConflict, id, change.From)
}

// DeleteHost hard-deletes a host and its storage links
func (s *PGStore) DeleteHost(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return nil
}

// ListHosts returns one keyset page ordered by ID
func (s *PGStore) ListHosts(ctx context.Context, filter HostFilter) ([]*model.Host, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "id > "+arg(filter.AfterID))
	if filter.ClusterID != "" {
		where = append(where, "cluster_id = "+arg(filter.ClusterID))
	}
	if filter.ExcludeID != "" {
		where = append(where, "id <> "+arg(filter.ExcludeID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `SELECT ` + hostColumns + ` FROM hosts WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY id LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	return hosts, nil
}

func scanHost(row pgx.Row) (*model.Host, error) {
	var (
		h                         model.Host
		hypervisor, status, admin string
		tagsJSON                  []byte
	)
	err := row.Scan(
		&h.ID, &h.Name, &h.Description, &h.ClusterID, &h.ZoneID, &hypervisor, &status, &admin,
		&h.ManagementAddress, &h.ManagementNodeID, &h.OS.Distro, &h.OS.Release, &h.OS.Version,
		&tagsJSON, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.HypervisorType = model.HypervisorType(hypervisor)
	h.Status = model.Status(status)
	h.AdminState = model.AdminState(admin)
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &h.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &h, nil
}
