package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/catalyst-gg/catalyst/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout bounds every statement issued by PostgresStore. The Store
// interface carries no context, so each operation runs under its own.
const queryTimeout = 10 * time.Second

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connStr and pings the database. The schema
// must already exist (see cmd/catalyst-migrate).
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// User operations

func (s *PostgresStore) CreateUser(user *types.User) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, admin, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email    = EXCLUDED.email,
			admin    = EXCLUDED.admin`,
		user.ID, user.Username, user.Email, user.Admin, orNow(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(id string) (*types.User, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, admin, created_at
		FROM   users WHERE id = $1`, id)

	var u types.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Admin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user not found: %s", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers() ([]*types.User, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, username, email, admin, created_at
		FROM   users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Admin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// Node operations

func (s *PostgresStore) CreateNode(node *types.Node) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes
			(id, hostname, public_address, secret, is_online, last_seen_at,
			 max_memory_mb, max_cpu_cores, location_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			hostname       = EXCLUDED.hostname,
			public_address = EXCLUDED.public_address,
			secret         = EXCLUDED.secret,
			is_online      = EXCLUDED.is_online,
			last_seen_at   = EXCLUDED.last_seen_at,
			max_memory_mb  = EXCLUDED.max_memory_mb,
			max_cpu_cores  = EXCLUDED.max_cpu_cores,
			location_id    = EXCLUDED.location_id,
			updated_at     = now()`,
		node.ID, node.Hostname, node.PublicAddress, node.Secret, node.IsOnline,
		orNow(node.LastSeenAt), node.MaxMemoryMB, node.MaxCPUCores, node.LocationID,
		orNow(node.CreatedAt), orNow(node.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

func scanNode(sc scanner) (*types.Node, error) {
	var n types.Node
	err := sc.Scan(&n.ID, &n.Hostname, &n.PublicAddress, &n.Secret, &n.IsOnline,
		&n.LastSeenAt, &n.MaxMemoryMB, &n.MaxCPUCores, &n.LocationID,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

const nodeColumns = `id, hostname, public_address, secret, is_online, last_seen_at,
	max_memory_mb, max_cpu_cores, location_id, created_at, updated_at`

func (s *PostgresStore) GetNode(id string) (*types.Node, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node not found: %s", id)
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNodes() ([]*types.Node, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node)
}

func (s *PostgresStore) DeleteNode(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// Server operations

const serverColumns = `id, uuid, name, owner_id, node_id, template_id, status,
	allocated_memory_mb, allocated_cpu_cores, allocated_disk_mb,
	primary_ip, primary_port, port_bindings, network_mode, environment,
	restart_policy, crash_count, max_crash_count, last_crash_at,
	suspended_at, suspension_reason, container_id, container_name,
	created_at, updated_at`

func (s *PostgresStore) CreateServer(server *types.Server) error {
	ctx, cancel := opCtx()
	defer cancel()

	ports, err := json.Marshal(server.PortBindings)
	if err != nil {
		return fmt.Errorf("marshal port bindings: %w", err)
	}
	env, err := json.Marshal(server.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO UPDATE SET
			uuid                = EXCLUDED.uuid,
			name                = EXCLUDED.name,
			owner_id            = EXCLUDED.owner_id,
			node_id             = EXCLUDED.node_id,
			template_id         = EXCLUDED.template_id,
			status              = EXCLUDED.status,
			allocated_memory_mb = EXCLUDED.allocated_memory_mb,
			allocated_cpu_cores = EXCLUDED.allocated_cpu_cores,
			allocated_disk_mb   = EXCLUDED.allocated_disk_mb,
			primary_ip          = EXCLUDED.primary_ip,
			primary_port        = EXCLUDED.primary_port,
			port_bindings       = EXCLUDED.port_bindings,
			network_mode        = EXCLUDED.network_mode,
			environment         = EXCLUDED.environment,
			restart_policy      = EXCLUDED.restart_policy,
			crash_count         = EXCLUDED.crash_count,
			max_crash_count     = EXCLUDED.max_crash_count,
			last_crash_at       = EXCLUDED.last_crash_at,
			suspended_at        = EXCLUDED.suspended_at,
			suspension_reason   = EXCLUDED.suspension_reason,
			container_id        = EXCLUDED.container_id,
			container_name      = EXCLUDED.container_name,
			updated_at          = now()`,
		server.ID, server.UUID, server.Name, server.OwnerID, server.NodeID, server.TemplateID,
		string(server.Status), server.AllocatedMemoryMB, server.AllocatedCPUCores,
		server.AllocatedDiskMB, server.PrimaryIP, server.PrimaryPort, ports,
		string(server.NetworkMode), env, string(server.RestartPolicy),
		server.CrashCount, server.MaxCrashCount, server.LastCrashAt,
		server.SuspendedAt, server.SuspensionReason, server.ContainerID,
		server.ContainerName, orNow(server.CreatedAt), orNow(server.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

func scanServer(sc scanner) (*types.Server, error) {
	var srv types.Server
	var status, networkMode, restartPolicy string
	var ports, env []byte
	err := sc.Scan(&srv.ID, &srv.UUID, &srv.Name, &srv.OwnerID, &srv.NodeID, &srv.TemplateID,
		&status, &srv.AllocatedMemoryMB, &srv.AllocatedCPUCores, &srv.AllocatedDiskMB,
		&srv.PrimaryIP, &srv.PrimaryPort, &ports, &networkMode, &env,
		&restartPolicy, &srv.CrashCount, &srv.MaxCrashCount, &srv.LastCrashAt,
		&srv.SuspendedAt, &srv.SuspensionReason, &srv.ContainerID, &srv.ContainerName,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	srv.Status = types.ServerStatus(status)
	srv.NetworkMode = types.NetworkMode(networkMode)
	srv.RestartPolicy = types.RestartPolicy(restartPolicy)
	if err := json.Unmarshal(ports, &srv.PortBindings); err != nil {
		return nil, fmt.Errorf("unmarshal port bindings: %w", err)
	}
	if err := json.Unmarshal(env, &srv.Environment); err != nil {
		return nil, fmt.Errorf("unmarshal environment: %w", err)
	}
	return &srv, nil
}

func (s *PostgresStore) GetServer(id string) (*types.Server, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	srv, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("server not found: %s", id)
		}
		return nil, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}

func (s *PostgresStore) GetServerByUUIDOrID(ref string) (*types.Server, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+serverColumns+` FROM servers
		WHERE id = $1 OR uuid = $1 LIMIT 1`, ref)
	srv, err := scanServer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("server not found: %s", ref)
		}
		return nil, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}

func (s *PostgresStore) ListServers() ([]*types.Server, error) {
	return s.queryServers(`SELECT ` + serverColumns + ` FROM servers ORDER BY id`)
}

func (s *PostgresStore) ListServersByStatus(status types.ServerStatus) ([]*types.Server, error) {
	return s.queryServers(`SELECT `+serverColumns+` FROM servers WHERE status = $1 ORDER BY id`, string(status))
}

func (s *PostgresStore) queryServers(sql string, args ...any) ([]*types.Server, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []*types.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *PostgresStore) UpdateServer(server *types.Server) error {
	return s.CreateServer(server)
}

func (s *PostgresStore) DeleteServer(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

// Template operations

func (s *PostgresStore) CreateTemplate(tpl *types.ServerTemplate) error {
	ctx, cancel := opCtx()
	defer cancel()

	env, err := json.Marshal(tpl.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO server_templates
			(id, name, image, startup_command, environment, min_memory_mb, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			image           = EXCLUDED.image,
			startup_command = EXCLUDED.startup_command,
			environment     = EXCLUDED.environment,
			min_memory_mb   = EXCLUDED.min_memory_mb,
			updated_at      = now()`,
		tpl.ID, tpl.Name, tpl.Image, tpl.StartupCommand, env, tpl.MinMemoryMB,
		orNow(tpl.CreatedAt), orNow(tpl.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

func scanTemplate(sc scanner) (*types.ServerTemplate, error) {
	var t types.ServerTemplate
	var env []byte
	err := sc.Scan(&t.ID, &t.Name, &t.Image, &t.StartupCommand, &env,
		&t.MinMemoryMB, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env, &t.Environment); err != nil {
		return nil, fmt.Errorf("unmarshal environment: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTemplate(id string) (*types.ServerTemplate, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT id, name, image, startup_command, environment, min_memory_mb, created_at, updated_at
		FROM   server_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template not found: %s", id)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTemplates() ([]*types.ServerTemplate, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, image, startup_command, environment, min_memory_mb, created_at, updated_at
		FROM   server_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []*types.ServerTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *PostgresStore) UpdateTemplate(tpl *types.ServerTemplate) error {
	return s.CreateTemplate(tpl)
}

func (s *PostgresStore) DeleteTemplate(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM server_templates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// Access grant operations

func (s *PostgresStore) CreateAccess(access *types.ServerAccess) error {
	ctx, cancel := opCtx()
	defer cancel()

	perms, err := json.Marshal(access.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO server_access (user_id, server_id, permissions, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, server_id) DO UPDATE SET permissions = EXCLUDED.permissions`,
		access.UserID, access.ServerID, perms, orNow(access.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create access: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccessByServer(serverID string) ([]*types.ServerAccess, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT user_id, server_id, permissions, created_at
		FROM   server_access WHERE server_id = $1`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	var grants []*types.ServerAccess
	for rows.Next() {
		var a types.ServerAccess
		var perms []byte
		if err := rows.Scan(&a.UserID, &a.ServerID, &perms, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
		grants = append(grants, &a)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) DeleteAccess(userID, serverID string) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		DELETE FROM server_access WHERE user_id = $1 AND server_id = $2`, userID, serverID)
	if err != nil {
		return fmt.Errorf("delete access: %w", err)
	}
	return nil
}

// Server log operations

func (s *PostgresStore) AppendServerLog(entry *types.ServerLog) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_logs (id, server_id, stream, data, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.ServerID, string(entry.Stream), entry.Data, orNow(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append server log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListServerLogs(serverID string, limit int) ([]*types.ServerLog, error) {
	ctx, cancel := opCtx()
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, server_id, stream, data, ts FROM (
			SELECT id, server_id, stream, data, ts
			FROM   server_logs
			WHERE  server_id = $1
			ORDER  BY ts DESC
			LIMIT  $2
		) recent ORDER BY ts ASC`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list server logs: %w", err)
	}
	defer rows.Close()

	var logs []*types.ServerLog
	for rows.Next() {
		var entry types.ServerLog
		var stream string
		if err := rows.Scan(&entry.ID, &entry.ServerID, &stream, &entry.Data, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan server log: %w", err)
		}
		entry.Stream = types.LogStream(stream)
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) PruneServerLogs(olderThan time.Time) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM server_logs WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune server logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Metrics operations

func (s *PostgresStore) AppendServerMetrics(m *types.ServerMetrics) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_metrics
			(server_id, ts, cpu_percent, memory_usage_mb, disk_usage_mb,
			 disk_io_mb, network_rx_bytes, network_tx_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ServerID, orNow(m.Timestamp), m.CPUPercent, m.MemoryUsageMB,
		m.DiskUsageMB, m.DiskIOMB, m.NetworkRxBytes, m.NetworkTxBytes,
	)
	if err != nil {
		return fmt.Errorf("append server metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestServerMetrics(serverID string) (*types.ServerMetrics, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT server_id, ts, cpu_percent, memory_usage_mb, disk_usage_mb,
		       disk_io_mb, network_rx_bytes, network_tx_bytes
		FROM   server_metrics
		WHERE  server_id = $1
		ORDER  BY ts DESC LIMIT 1`, serverID)

	var m types.ServerMetrics
	err := row.Scan(&m.ServerID, &m.Timestamp, &m.CPUPercent, &m.MemoryUsageMB,
		&m.DiskUsageMB, &m.DiskIOMB, &m.NetworkRxBytes, &m.NetworkTxBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest server metrics: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) AppendNodeMetrics(m *types.NodeMetrics) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_metrics
			(node_id, ts, cpu_percent, memory_usage_mb, memory_total_mb,
			 disk_usage_mb, disk_total_mb, network_rx_bytes, network_tx_bytes, container_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.NodeID, orNow(m.Timestamp), m.CPUPercent, m.MemoryUsageMB, m.MemoryTotalMB,
		m.DiskUsageMB, m.DiskTotalMB, m.NetworkRxBytes, m.NetworkTxBytes, m.ContainerCount,
	)
	if err != nil {
		return fmt.Errorf("append node metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestNodeMetrics(nodeID string) (*types.NodeMetrics, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT node_id, ts, cpu_percent, memory_usage_mb, memory_total_mb,
		       disk_usage_mb, disk_total_mb, network_rx_bytes, network_tx_bytes, container_count
		FROM   node_metrics
		WHERE  node_id = $1
		ORDER  BY ts DESC LIMIT 1`, nodeID)

	var m types.NodeMetrics
	err := row.Scan(&m.NodeID, &m.Timestamp, &m.CPUPercent, &m.MemoryUsageMB,
		&m.MemoryTotalMB, &m.DiskUsageMB, &m.DiskTotalMB,
		&m.NetworkRxBytes, &m.NetworkTxBytes, &m.ContainerCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest node metrics: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) PruneMetrics(olderThan time.Time) (int, error) {
	ctx, cancel := opCtx()
	defer cancel()

	var total int
	tag, err := s.pool.Exec(ctx, `DELETE FROM server_metrics WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune server metrics: %w", err)
	}
	total += int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM node_metrics WHERE ts < $1`, olderThan)
	if err != nil {
		return total, fmt.Errorf("prune node metrics: %w", err)
	}
	total += int(tag.RowsAffected())
	return total, nil
}

// Backup operations

const backupColumns = `id, server_id, name, path, size_mb, checksum, storage_mode,
	metadata, created_at, restored_at`

func (s *PostgresStore) CreateBackup(b *types.Backup) error {
	ctx, cancel := opCtx()
	defer cancel()

	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backups (`+backupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name         = EXCLUDED.name,
			path         = EXCLUDED.path,
			size_mb      = EXCLUDED.size_mb,
			checksum     = EXCLUDED.checksum,
			storage_mode = EXCLUDED.storage_mode,
			metadata     = EXCLUDED.metadata,
			restored_at  = EXCLUDED.restored_at`,
		b.ID, b.ServerID, b.Name, b.Path, b.SizeMB, b.Checksum,
		string(b.StorageMode), meta, orNow(b.CreatedAt), b.RestoredAt,
	)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func scanBackup(sc scanner) (*types.Backup, error) {
	var b types.Backup
	var mode string
	var meta []byte
	err := sc.Scan(&b.ID, &b.ServerID, &b.Name, &b.Path, &b.SizeMB, &b.Checksum,
		&mode, &meta, &b.CreatedAt, &b.RestoredAt)
	if err != nil {
		return nil, err
	}
	b.StorageMode = types.StorageMode(mode)
	if err := json.Unmarshal(meta, &b.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) GetBackup(id string) (*types.Backup, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("backup not found: %s", id)
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetBackupByServerAndName(serverID, name string) (*types.Backup, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE  server_id = $1 AND name = $2
		ORDER  BY created_at DESC LIMIT 1`, serverID, name)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("backup not found: %s/%s", serverID, name)
		}
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBackupsByServer(serverID string) ([]*types.Backup, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE  server_id = $1 ORDER BY created_at`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []*types.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *PostgresStore) UpdateBackup(b *types.Backup) error {
	return s.CreateBackup(b)
}

func (s *PostgresStore) DeleteBackup(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	return nil
}

// Scheduled task operations

const taskColumns = `id, server_id, name, schedule, action, payload, enabled,
	last_run_at, next_run_at, run_count, last_status, last_error, created_at, updated_at`

func (s *PostgresStore) CreateTask(task *types.ScheduledTask) error {
	ctx, cancel := opCtx()
	defer cancel()

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			server_id   = EXCLUDED.server_id,
			name        = EXCLUDED.name,
			schedule    = EXCLUDED.schedule,
			action      = EXCLUDED.action,
			payload     = EXCLUDED.payload,
			enabled     = EXCLUDED.enabled,
			last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at,
			run_count   = EXCLUDED.run_count,
			last_status = EXCLUDED.last_status,
			last_error  = EXCLUDED.last_error,
			updated_at  = now()`,
		task.ID, task.ServerID, task.Name, task.Schedule, string(task.Action),
		payload, task.Enabled, task.LastRunAt, task.NextRunAt, task.RunCount,
		string(task.LastStatus), task.LastError, orNow(task.CreatedAt), orNow(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func scanTask(sc scanner) (*types.ScheduledTask, error) {
	var t types.ScheduledTask
	var action, lastStatus string
	var payload []byte
	err := sc.Scan(&t.ID, &t.ServerID, &t.Name, &t.Schedule, &action, &payload,
		&t.Enabled, &t.LastRunAt, &t.NextRunAt, &t.RunCount, &lastStatus,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Action = types.TaskAction(action)
	t.LastStatus = types.TaskStatus(lastStatus)
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(id string) (*types.ScheduledTask, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks() ([]*types.ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY id`)
}

func (s *PostgresStore) ListEnabledTasks() ([]*types.ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE enabled ORDER BY id`)
}

func (s *PostgresStore) queryTasks(sql string, args ...any) ([]*types.ScheduledTask, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(task *types.ScheduledTask) error {
	return s.CreateTask(task)
}

func (s *PostgresStore) DeleteTask(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Alert rule operations

const ruleColumns = `id, user_id, name, description, type, target, target_id,
	conditions, actions, enabled, created_at, updated_at`

func (s *PostgresStore) CreateAlertRule(rule *types.AlertRule) error {
	ctx, cancel := opCtx()
	defer cancel()

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			user_id     = EXCLUDED.user_id,
			name        = EXCLUDED.name,
			description = EXCLUDED.description,
			type        = EXCLUDED.type,
			target      = EXCLUDED.target,
			target_id   = EXCLUDED.target_id,
			conditions  = EXCLUDED.conditions,
			actions     = EXCLUDED.actions,
			enabled     = EXCLUDED.enabled,
			updated_at  = now()`,
		rule.ID, rule.UserID, rule.Name, rule.Description, string(rule.Type),
		string(rule.Target), rule.TargetID, conditions, actions, rule.Enabled,
		orNow(rule.CreatedAt), orNow(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create alert rule: %w", err)
	}
	return nil
}

func scanAlertRule(sc scanner) (*types.AlertRule, error) {
	var r types.AlertRule
	var ruleType, target string
	var conditions, actions []byte
	err := sc.Scan(&r.ID, &r.UserID, &r.Name, &r.Description, &ruleType, &target,
		&r.TargetID, &conditions, &actions, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = types.AlertRuleType(ruleType)
	r.Target = types.AlertTarget(target)
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetAlertRule(id string) (*types.AlertRule, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	r, err := scanAlertRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("alert rule not found: %s", id)
		}
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListAlertRules() ([]*types.AlertRule, error) {
	return s.queryRules(`SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY id`)
}

func (s *PostgresStore) ListEnabledAlertRules() ([]*types.AlertRule, error) {
	return s.queryRules(`SELECT ` + ruleColumns + ` FROM alert_rules WHERE enabled ORDER BY id`)
}

func (s *PostgresStore) queryRules(sql string, args ...any) ([]*types.AlertRule, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*types.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) UpdateAlertRule(rule *types.AlertRule) error {
	return s.CreateAlertRule(rule)
}

func (s *PostgresStore) DeleteAlertRule(id string) error {
	ctx, cancel := opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	return nil
}

// Alert operations

const alertColumns = `id, rule_id, user_id, server_id, node_id, type, severity,
	title, message, metadata, created_at, resolved, resolved_at, resolved_by`

func (s *PostgresStore) CreateAlert(alert *types.Alert) error {
	ctx, cancel := opCtx()
	defer cancel()

	meta, err := json.Marshal(alert.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			resolved    = EXCLUDED.resolved,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			metadata    = EXCLUDED.metadata`,
		alert.ID, alert.RuleID, alert.UserID, alert.ServerID, alert.NodeID,
		string(alert.Type), string(alert.Severity), alert.Title, alert.Message,
		meta, orNow(alert.CreatedAt), alert.Resolved, alert.ResolvedAt, alert.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func scanAlert(sc scanner) (*types.Alert, error) {
	var a types.Alert
	var alertType, severity string
	var meta []byte
	err := sc.Scan(&a.ID, &a.RuleID, &a.UserID, &a.ServerID, &a.NodeID,
		&alertType, &severity, &a.Title, &a.Message, &meta,
		&a.CreatedAt, &a.Resolved, &a.ResolvedAt, &a.ResolvedBy)
	if err != nil {
		return nil, err
	}
	a.Type = types.AlertRuleType(alertType)
	a.Severity = types.AlertSeverity(severity)
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAlert(id string) (*types.Alert, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("alert not found: %s", id)
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAlerts(includeResolved bool) ([]*types.Alert, error) {
	ctx, cancel := opCtx()
	defer cancel()

	sql := `SELECT ` + alertColumns + ` FROM alerts`
	if !includeResolved {
		sql += ` WHERE resolved = FALSE`
	}
	sql += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) FindUnresolvedAlert(q AlertQuery) (*types.Alert, error) {
	ctx, cancel := opCtx()
	defer cancel()

	where := `WHERE resolved = FALSE`
	var args []any
	idx := 1
	add := func(clause string, value any) {
		where += fmt.Sprintf(" AND %s = $%d", clause, idx)
		args = append(args, value)
		idx++
	}

	if q.ServerID != "" {
		add("server_id", q.ServerID)
	}
	if q.NodeID != "" {
		add("node_id", q.NodeID)
	}
	if q.RuleID != "" {
		add("rule_id", q.RuleID)
	}
	if q.Type != "" {
		add("type", string(q.Type))
	}
	if q.Title != "" {
		add("title", q.Title)
	}
	if !q.CreatedAfter.IsZero() {
		where += fmt.Sprintf(" AND created_at > $%d", idx)
		args = append(args, q.CreatedAfter)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		`+where+`
		ORDER BY created_at DESC LIMIT 1`, args...)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find unresolved alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAlert(alert *types.Alert) error {
	return s.CreateAlert(alert)
}

// Delivery operations

const deliveryColumns = `id, alert_id, channel, target, status, attempts,
	last_attempt_at, last_error, created_at`

func (s *PostgresStore) CreateDelivery(d *types.AlertDelivery) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			attempts        = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_error      = EXCLUDED.last_error`,
		d.ID, d.AlertID, string(d.Channel), d.Target, string(d.Status),
		d.Attempts, d.LastAttemptAt, d.LastError, orNow(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

func scanDelivery(sc scanner) (*types.AlertDelivery, error) {
	var d types.AlertDelivery
	var channel, status string
	err := sc.Scan(&d.ID, &d.AlertID, &channel, &d.Target, &status,
		&d.Attempts, &d.LastAttemptAt, &d.LastError, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Channel = types.DeliveryChannel(channel)
	d.Status = types.DeliveryStatus(status)
	return &d, nil
}

func (s *PostgresStore) GetDelivery(id string) (*types.AlertDelivery, error) {
	ctx, cancel := opCtx()
	defer cancel()

	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("delivery not found: %s", id)
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListRetryableDeliveries(maxAttempts int, before time.Time, limit int) ([]*types.AlertDelivery, error) {
	ctx, cancel := opCtx()
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM alert_deliveries
		WHERE  status = 'failed'
		  AND  attempts < $1
		  AND  (last_attempt_at IS NULL OR last_attempt_at < $2)
		ORDER  BY last_attempt_at ASC NULLS FIRST
		LIMIT  $3`, maxAttempts, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*types.AlertDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (s *PostgresStore) UpdateDelivery(d *types.AlertDelivery) error {
	return s.CreateDelivery(d)
}

// orNow substitutes the current time for zero timestamps so NOT NULL
// columns are always satisfied.
func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
