package storage

import "context"

// migrate creates the tables if they do not exist
func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		zone_id TEXT NOT NULL,
		hypervisor_type TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hosts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		cluster_id TEXT NOT NULL REFERENCES clusters(id),
		zone_id TEXT NOT NULL,
		hypervisor_type TEXT NOT NULL,
		status TEXT NOT NULL,
		admin_state TEXT NOT NULL,
		management_address TEXT NOT NULL,
		management_node_id TEXT NOT NULL DEFAULT '',
		os_distro TEXT NOT NULL DEFAULT '',
		os_release TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		tags JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT hosts_management_address_key UNIQUE (management_address)
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_cluster_status ON hosts(cluster_id, status);

	CREATE TABLE IF NOT EXISTS storage_links (
		host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
		storage_id TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (host_id, storage_id)
	);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}
