package database

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"
)

// DBTX is an interface that sql.DB, sql.Conn and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides the registry's database operations.
type Queries struct {
	db DBTX
}

// NewQueries creates a new Queries instance.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

var (
	getControllerSQL = `
SELECT system_id, hostname, node_type, created, updated
FROM controllers
WHERE system_id = $1;`

	getControllerByMACSQL = `
SELECT c.system_id, c.hostname, c.node_type, c.created, c.updated
FROM controllers c
JOIN controller_interfaces i ON i.system_id = c.system_id
WHERE i.mac_address = ANY($1)
ORDER BY c.created ASC
LIMIT 1;`

	getRegionByHostnameSQL = `
SELECT system_id, hostname, node_type, created, updated
FROM controllers
WHERE hostname = $1 AND node_type IN ($2, $3)
ORDER BY created ASC
LIMIT 1;`

	createControllerSQL = `
INSERT INTO controllers (system_id, hostname, node_type)
VALUES ($1, $2, $3);`

	convertControllerSQL = `
UPDATE controllers
SET hostname = $2, node_type = $3, updated = now()
WHERE system_id = $1;`

	refreshControllerSQL = `
UPDATE controllers
SET hostname = $2, updated = now()
WHERE system_id = $1;`

	deleteControllerSQL = `
DELETE FROM controllers
WHERE system_id = $1;`

	upsertInterfaceSQL = `
INSERT INTO controller_interfaces (system_id, name, mac_address)
VALUES ($1, $2, $3)
ON CONFLICT (system_id, name)
DO UPDATE SET mac_address = EXCLUDED.mac_address;`

	listInterfacesSQL = `
SELECT system_id, name, mac_address
FROM controller_interfaces
WHERE system_id = $1
ORDER BY name ASC;`

	createProcessSQL = `
INSERT INTO controller_processes (region_id, pid)
VALUES ($1, $2)
ON CONFLICT (region_id, pid)
DO UPDATE SET updated = now()
RETURNING id, region_id, pid, created, updated;`

	ensureProcessSQL = `
INSERT INTO controller_processes (id, region_id, pid)
VALUES ($1, $2, $3)
ON CONFLICT (region_id, pid)
DO UPDATE SET updated = now();`

	getProcessSQL = `
SELECT id, region_id, pid, created, updated
FROM controller_processes
WHERE region_id = $1 AND pid = $2;`

	getProcessByIDSQL = `
SELECT id, region_id, pid, created, updated
FROM controller_processes
WHERE id = $1;`

	deleteProcessSQL = `
DELETE FROM controller_processes
WHERE id = $1;`

	deleteStaleProcessesSQL = `
DELETE FROM controller_processes
WHERE updated < $1;`

	listRegionsWithoutProcessesSQL = `
SELECT system_id
FROM controllers c
WHERE c.node_type IN ($1, $2)
  AND NOT EXISTS (
    SELECT 1 FROM controller_processes p WHERE p.region_id = c.system_id
  )
ORDER BY system_id ASC;`

	countLiveProcessesSQL = `
SELECT count(*)
FROM controller_processes
WHERE region_id = $1 AND updated >= $2;`

	deleteEndpointsSQL = `
DELETE FROM controller_process_endpoints
WHERE process_id = $1;`

	insertEndpointSQL = `
INSERT INTO controller_process_endpoints (process_id, address, port)
VALUES ($1, $2, $3);`

	listProcessEndpointsSQL = `
SELECT process_id, address, port
FROM controller_process_endpoints
WHERE process_id = $1
ORDER BY address ASC, port ASC;`

	markHealthSQL = `
INSERT INTO controller_services (region_id, name, status, status_info)
VALUES ($1, $2, $3, $4)
ON CONFLICT (region_id, name)
DO UPDATE SET
    status = EXCLUDED.status,
    status_info = EXCLUDED.status_info;`

	getServiceStatusSQL = `
SELECT region_id, name, status, status_info
FROM controller_services
WHERE region_id = $1 AND name = $2;`

	listServiceStatusesSQL = `
SELECT region_id, name, status, status_info
FROM controller_services
ORDER BY region_id ASC, name ASC;`

	upsertRackConnectionSQL = `
INSERT INTO rack_connections (rack_id, region_id, pid)
VALUES ($1, $2, $3)
ON CONFLICT (rack_id, region_id, pid)
DO UPDATE SET created = rack_connections.created;`

	deleteRackConnectionSQL = `
DELETE FROM rack_connections
WHERE rack_id = $1 AND region_id = $2 AND pid = $3;`

	listRackConnectionsSQL = `
SELECT rack_id, region_id, pid
FROM rack_connections
WHERE rack_id = $1
ORDER BY region_id ASC, pid ASC;`

	listAdvertisedSQL = `
SELECT c.hostname || ':pid=' || p.pid, e.address, e.port
FROM controller_process_endpoints e
JOIN controller_processes p ON p.id = e.process_id
JOIN controllers c ON c.system_id = p.region_id
ORDER BY c.hostname ASC, p.pid ASC, e.address ASC, e.port ASC;`
)

// advisoryLockKey derives the 64-bit key PostgreSQL advisory locks are
// scoped by from a logical lock name.
func advisoryLockKey(name string) int64 {
	var h = fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// AcquireAdvisoryLock blocks until the named cluster-wide lock is held
// by this session. Advisory locks are session scoped: acquire and
// release must run on the same connection.
func (q *Queries) AcquireAdvisoryLock(ctx context.Context, name string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_lock($1);`, advisoryLockKey(name)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %q: %w", name, err)
	}
	return nil
}

// ReleaseAdvisoryLock releases the named lock held by this session.
func (q *Queries) ReleaseAdvisoryLock(ctx context.Context, name string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1);`, advisoryLockKey(name)); err != nil {
		return fmt.Errorf("failed to release advisory lock %q: %w", name, err)
	}
	return nil
}

// GetController retrieves a controller by system ID, or nil if absent.
func (q *Queries) GetController(ctx context.Context, systemID string) (*ControllerRecord, error) {
	var record, err = scanController(q.db.QueryRowContext(ctx, getControllerSQL, systemID))
	if err != nil {
		return nil, fmt.Errorf("failed to get controller %s: %w", systemID, err)
	}
	return record, nil
}

// GetControllerByMAC retrieves the controller owning any of the given
// MAC addresses, or nil if none match.
func (q *Queries) GetControllerByMAC(ctx context.Context, macs []string) (*ControllerRecord, error) {
	if len(macs) == 0 {
		return nil, nil
	}

	var record, err = scanController(q.db.QueryRowContext(ctx, getControllerByMACSQL, pq.Array(macs)))
	if err != nil {
		return nil, fmt.Errorf("failed to get controller by MAC: %w", err)
	}
	return record, nil
}

// GetRegionByHostname retrieves the region controller with the given
// hostname, or nil if none exists.
func (q *Queries) GetRegionByHostname(ctx context.Context, hostname string) (*ControllerRecord, error) {
	var row = q.db.QueryRowContext(ctx, getRegionByHostnameSQL, hostname, NodeTypeRegion, NodeTypeRegionRack)
	var record, err = scanController(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get region by hostname %s: %w", hostname, err)
	}
	return record, nil
}

// CreateController inserts a new controller record.
func (q *Queries) CreateController(ctx context.Context, record *ControllerRecord) error {
	if _, err := q.db.ExecContext(ctx, createControllerSQL, record.SystemID, record.Hostname, record.NodeType); err != nil {
		return fmt.Errorf("failed to create controller %s: %w", record.SystemID, err)
	}
	return nil
}

// ConvertController rewrites a controller's hostname and node type in
// place, preserving the record and its interfaces.
func (q *Queries) ConvertController(ctx context.Context, systemID, hostname, nodeType string) error {
	if _, err := q.db.ExecContext(ctx, convertControllerSQL, systemID, hostname, nodeType); err != nil {
		return fmt.Errorf("failed to convert controller %s: %w", systemID, err)
	}
	return nil
}

// RefreshController updates a controller's hostname and updated time.
func (q *Queries) RefreshController(ctx context.Context, systemID, hostname string) error {
	if _, err := q.db.ExecContext(ctx, refreshControllerSQL, systemID, hostname); err != nil {
		return fmt.Errorf("failed to refresh controller %s: %w", systemID, err)
	}
	return nil
}

// DeleteController removes a controller and everything cascading from it.
func (q *Queries) DeleteController(ctx context.Context, systemID string) error {
	if _, err := q.db.ExecContext(ctx, deleteControllerSQL, systemID); err != nil {
		return fmt.Errorf("failed to delete controller %s: %w", systemID, err)
	}
	return nil
}

// UpsertInterface records a controller's network interface.
func (q *Queries) UpsertInterface(ctx context.Context, record *InterfaceRecord) error {
	if _, err := q.db.ExecContext(ctx, upsertInterfaceSQL, record.SystemID, record.Name, record.MACAddress); err != nil {
		return fmt.Errorf("failed to upsert interface %s/%s: %w", record.SystemID, record.Name, err)
	}
	return nil
}

// ListInterfaces returns a controller's interfaces ordered by name.
func (q *Queries) ListInterfaces(ctx context.Context, systemID string) ([]*InterfaceRecord, error) {
	var rows, err = q.db.QueryContext(ctx, listInterfacesSQL, systemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	defer rows.Close()

	var records []*InterfaceRecord
	for rows.Next() {
		var record InterfaceRecord
		if err := rows.Scan(&record.SystemID, &record.Name, &record.MACAddress); err != nil {
			return nil, fmt.Errorf("failed to scan interface: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// CreateProcess inserts a process row for (regionID, pid), or touches
// its updated time if a row from a prior incarnation with the same pid
// already exists. At most one live row per (region, pid) results.
func (q *Queries) CreateProcess(ctx context.Context, regionID string, pid int) (*ProcessRecord, error) {
	var record ProcessRecord
	var err = q.db.QueryRowContext(ctx, createProcessSQL, regionID, pid).Scan(
		&record.ID, &record.RegionID, &record.PID, &record.Created, &record.Updated,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create process for %s pid %d: %w", regionID, pid, err)
	}
	return &record, nil
}

// EnsureProcess re-creates the process row under its original ID if a
// peer pruned it, or refreshes its updated time otherwise.
func (q *Queries) EnsureProcess(ctx context.Context, id int64, regionID string, pid int) error {
	if _, err := q.db.ExecContext(ctx, ensureProcessSQL, id, regionID, pid); err != nil {
		return fmt.Errorf("failed to ensure process %d: %w", id, err)
	}
	return nil
}

// GetProcess retrieves the process row for (regionID, pid), or nil.
func (q *Queries) GetProcess(ctx context.Context, regionID string, pid int) (*ProcessRecord, error) {
	var record, err = scanProcess(q.db.QueryRowContext(ctx, getProcessSQL, regionID, pid))
	if err != nil {
		return nil, fmt.Errorf("failed to get process for %s pid %d: %w", regionID, pid, err)
	}
	return record, nil
}

// GetProcessByID retrieves a process row by ID, or nil.
func (q *Queries) GetProcessByID(ctx context.Context, id int64) (*ProcessRecord, error) {
	var record, err = scanProcess(q.db.QueryRowContext(ctx, getProcessByIDSQL, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get process %d: %w", id, err)
	}
	return record, nil
}

// DeleteProcess removes a process row, cascading its endpoints.
func (q *Queries) DeleteProcess(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, deleteProcessSQL, id); err != nil {
		return fmt.Errorf("failed to delete process %d: %w", id, err)
	}
	return nil
}

// DeleteStaleProcesses prunes process rows not refreshed since cutoff,
// fleet-wide, and returns how many were removed. Any process that holds
// the update transaction may prune its dead peers.
func (q *Queries) DeleteStaleProcesses(ctx context.Context, cutoff time.Time) (int64, error) {
	var result, err = q.db.ExecContext(ctx, deleteStaleProcessesSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale processes: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted processes: %w", err)
	}
	return removed, nil
}

// ListRegionsWithoutProcesses returns region controllers with zero
// remaining process rows.
func (q *Queries) ListRegionsWithoutProcesses(ctx context.Context) ([]string, error) {
	var rows, err = q.db.QueryContext(ctx, listRegionsWithoutProcessesSQL, NodeTypeRegion, NodeTypeRegionRack)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions without processes: %w", err)
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var systemID string
		if err := rows.Scan(&systemID); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		regions = append(regions, systemID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return regions, nil
}

// CountLiveProcesses counts a region's process rows refreshed at or
// after since.
func (q *Queries) CountLiveProcesses(ctx context.Context, regionID string, since time.Time) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, countLiveProcessesSQL, regionID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count live processes for %s: %w", regionID, err)
	}
	return count, nil
}

// ReplaceEndpoints atomically replaces a process's endpoint rows with
// the given set. Run it inside the caller's transaction.
func (q *Queries) ReplaceEndpoints(ctx context.Context, processID int64, endpoints []*EndpointRecord) error {
	if _, err := q.db.ExecContext(ctx, deleteEndpointsSQL, processID); err != nil {
		return fmt.Errorf("failed to delete endpoints for process %d: %w", processID, err)
	}

	for _, endpoint := range endpoints {
		if _, err := q.db.ExecContext(ctx, insertEndpointSQL, processID, endpoint.Address, endpoint.Port); err != nil {
			return fmt.Errorf("failed to insert endpoint %s:%d: %w", endpoint.Address, endpoint.Port, err)
		}
	}

	return nil
}

// ListProcessEndpoints returns a process's endpoints.
func (q *Queries) ListProcessEndpoints(ctx context.Context, processID int64) ([]*EndpointRecord, error) {
	var rows, err = q.db.QueryContext(ctx, listProcessEndpointsSQL, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var records []*EndpointRecord
	for rows.Next() {
		var record EndpointRecord
		if err := rows.Scan(&record.ProcessID, &record.Address, &record.Port); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// MarkHealth upserts the aggregate health row for a region controller.
func (q *Queries) MarkHealth(ctx context.Context, regionID, name, status, statusInfo string) error {
	if _, err := q.db.ExecContext(ctx, markHealthSQL, regionID, name, status, statusInfo); err != nil {
		return fmt.Errorf("failed to mark health for %s: %w", regionID, err)
	}
	return nil
}

// GetServiceStatus retrieves one region's health row, or nil.
func (q *Queries) GetServiceStatus(ctx context.Context, regionID, name string) (*ServiceRecord, error) {
	var record ServiceRecord
	var err = q.db.QueryRowContext(ctx, getServiceStatusSQL, regionID, name).Scan(
		&record.RegionID, &record.Name, &record.Status, &record.StatusInfo,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service status for %s: %w", regionID, err)
	}
	return &record, nil
}

// ListServiceStatuses returns every region's health rows.
func (q *Queries) ListServiceStatuses(ctx context.Context) ([]*ServiceRecord, error) {
	var rows, err = q.db.QueryContext(ctx, listServiceStatusesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list service statuses: %w", err)
	}
	defer rows.Close()

	var records []*ServiceRecord
	for rows.Next() {
		var record ServiceRecord
		if err := rows.Scan(&record.RegionID, &record.Name, &record.Status, &record.StatusInfo); err != nil {
			return nil, fmt.Errorf("failed to scan service status: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// UpsertRackConnection durably records a rack session terminating in
// the given region process.
func (q *Queries) UpsertRackConnection(ctx context.Context, record *RackConnectionRecord) error {
	if _, err := q.db.ExecContext(ctx, upsertRackConnectionSQL, record.RackID, record.RegionID, record.PID); err != nil {
		return fmt.Errorf("failed to upsert rack connection %s: %w", record.RackID, err)
	}
	return nil
}

// DeleteRackConnection removes the durable record of a rack session.
func (q *Queries) DeleteRackConnection(ctx context.Context, rackID, regionID string, pid int) error {
	if _, err := q.db.ExecContext(ctx, deleteRackConnectionSQL, rackID, regionID, pid); err != nil {
		return fmt.Errorf("failed to delete rack connection %s: %w", rackID, err)
	}
	return nil
}

// ListRackConnections returns the durable connection records for one
// rack controller.
func (q *Queries) ListRackConnections(ctx context.Context, rackID string) ([]*RackConnectionRecord, error) {
	var rows, err = q.db.QueryContext(ctx, listRackConnectionsSQL, rackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rack connections: %w", err)
	}
	defer rows.Close()

	var records []*RackConnectionRecord
	for rows.Next() {
		var record RackConnectionRecord
		if err := rows.Scan(&record.RackID, &record.RegionID, &record.PID); err != nil {
			return nil, fmt.Errorf("failed to scan rack connection: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// ListAdvertised returns every advertised endpoint in the fleet,
// labelled hostname:pid=N.
func (q *Queries) ListAdvertised(ctx context.Context) ([]*AdvertisedEndpoint, error) {
	var rows, err = q.db.QueryContext(ctx, listAdvertisedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list advertised endpoints: %w", err)
	}
	defer rows.Close()

	var records []*AdvertisedEndpoint
	for rows.Next() {
		var record AdvertisedEndpoint
		if err := rows.Scan(&record.Name, &record.Address, &record.Port); err != nil {
			return nil, fmt.Errorf("failed to scan advertised endpoint: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

func scanController(row *sql.Row) (*ControllerRecord, error) {
	var record ControllerRecord
	var err = row.Scan(&record.SystemID, &record.Hostname, &record.NodeType, &record.Created, &record.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func scanProcess(row *sql.Row) (*ProcessRecord, error) {
	var record ProcessRecord
	var err = row.Scan(&record.ID, &record.RegionID, &record.PID, &record.Created, &record.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
