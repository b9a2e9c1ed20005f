package regiond

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go-regiond/database"

	"github.com/google/uuid"
)

// serviceName is the name aggregate health rows are recorded under.
const serviceName = "regiond"

// promotionLockName scopes the advisory lock held while a process
// ensures its region controller identity exists.
const promotionLockName = "regiond:promotion"

// Advertising publishes one region process's identity, pid and
// endpoints to the shared store so peers and external clients can
// discover it. It is bound to the region identity and process row
// created by Promote.
type Advertising struct {
	db        *sql.DB
	regionID  string
	processID int64
	hostname  string
	pid       int
	options   options
}

// Promote idempotently ensures a region controller identity exists for
// this host and registers this process under it. An existing controller
// record matching regionID, one of the given MAC addresses, or the
// hostname is converted in place rather than duplicated. The whole
// mutation runs under a cluster-wide advisory lock so that processes
// starting simultaneously cannot create duplicate identities.
func Promote(ctx context.Context, db *sql.DB, regionID, hostname string, macs []string, opts ...Option) (*Advertising, error) {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	// Advisory locks are session scoped, so acquisition and release
	// must happen on one pinned connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for promotion: %w", err)
	}
	defer conn.Close()

	var queries = database.NewQueries(conn)
	if err := queries.AcquireAdvisoryLock(ctx, promotionLockName); err != nil {
		return nil, fmt.Errorf("failed to lock for promotion: %w", err)
	}
	defer func() {
		if err := queries.ReleaseAdvisoryLock(ctx, promotionLockName); err != nil {
			options.logger.Error("failed to release promotion lock", "error", err)
		}
	}()

	region, err := findOrCreateRegion(ctx, queries, regionID, hostname, macs)
	if err != nil {
		return nil, err
	}

	process, err := queries.CreateProcess(ctx, region.SystemID, os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("failed to register process: %w", err)
	}

	options.logger.Info("promoted to region controller",
		"region_id", region.SystemID,
		"hostname", hostname,
		"pid", process.PID)

	return &Advertising{
		db:        db,
		regionID:  region.SystemID,
		processID: process.ID,
		hostname:  hostname,
		pid:       process.PID,
		options:   options,
	}, nil
}

// findOrCreateRegion locates the controller record for this host and
// converts it to a region type, or creates a fresh one. Must run under
// the promotion lock.
func findOrCreateRegion(ctx context.Context, queries *database.Queries, regionID, hostname string, macs []string) (*database.ControllerRecord, error) {
	var region *database.ControllerRecord
	var err error

	if regionID != "" {
		if region, err = queries.GetController(ctx, regionID); err != nil {
			return nil, fmt.Errorf("failed to look up region %s: %w", regionID, err)
		}
	}
	if region == nil {
		if region, err = queries.GetControllerByMAC(ctx, macs); err != nil {
			return nil, fmt.Errorf("failed to look up region by MAC: %w", err)
		}
	}
	if region == nil {
		if region, err = queries.GetRegionByHostname(ctx, hostname); err != nil {
			return nil, fmt.Errorf("failed to look up region by hostname: %w", err)
		}
	}

	if region != nil {
		var nodeType = regionTypeFor(region.NodeType)
		if err := queries.ConvertController(ctx, region.SystemID, hostname, nodeType); err != nil {
			return nil, fmt.Errorf("failed to convert controller to region: %w", err)
		}
		region.Hostname = hostname
		region.NodeType = nodeType
		return region, nil
	}

	region = &database.ControllerRecord{
		SystemID: regionID,
		Hostname: hostname,
		NodeType: database.NodeTypeRegion,
	}
	if region.SystemID == "" {
		region.SystemID = uuid.New().String()
	}
	if err := queries.CreateController(ctx, region); err != nil {
		return nil, fmt.Errorf("failed to create region controller: %w", err)
	}
	return region, nil
}

// regionTypeFor maps an existing controller's node type to its type
// after promotion. Rack controllers keep their rack role.
func regionTypeFor(nodeType string) string {
	switch nodeType {
	case database.NodeTypeRack, database.NodeTypeRegionRack:
		return database.NodeTypeRegionRack
	default:
		return database.NodeTypeRegion
	}
}

// RegionID returns the region controller identity this process
// advertises under.
func (a *Advertising) RegionID() string {
	return a.regionID
}

// ProcessID returns the shared-store row ID of this process.
func (a *Advertising) ProcessID() int64 {
	return a.processID
}

// PID returns the operating system pid this process advertises.
func (a *Advertising) PID() int {
	return a.pid
}

// Update refreshes this process's advertisement in a single
// transaction: the region row is touched, the process row re-created
// or refreshed, its endpoints replaced with the given set, stale peer
// processes pruned fleet-wide, regions left with no processes marked
// dead, and this region's aggregate health recomputed. There is no
// optimistic retry; on conflict the caller's tick fails and the next
// tick retries.
func (a *Advertising) Update(ctx context.Context, endpoints []Endpoint) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		queries = database.NewQueries(tx)
		cutoff  = time.Now().Add(-a.options.stalenessWindow)
	)

	if err := queries.RefreshController(ctx, a.regionID, a.hostname); err != nil {
		return fmt.Errorf("failed to refresh region: %w", err)
	}

	if err := queries.EnsureProcess(ctx, a.processID, a.regionID, a.pid); err != nil {
		return fmt.Errorf("failed to refresh process: %w", err)
	}

	var records = make([]*database.EndpointRecord, len(endpoints))
	for i, endpoint := range endpoints {
		records[i] = &database.EndpointRecord{
			ProcessID: a.processID,
			Address:   endpoint.Address,
			Port:      endpoint.Port,
		}
	}
	if err := queries.ReplaceEndpoints(ctx, a.processID, records); err != nil {
		return fmt.Errorf("failed to replace endpoints: %w", err)
	}

	if _, err := queries.DeleteStaleProcesses(ctx, cutoff); err != nil {
		return fmt.Errorf("failed to prune stale processes: %w", err)
	}

	deadRegions, err := queries.ListRegionsWithoutProcesses(ctx)
	if err != nil {
		return fmt.Errorf("failed to find dead regions: %w", err)
	}
	for _, regionID := range deadRegions {
		if err := queries.MarkHealth(ctx, regionID, serviceName, string(StatusDead), ""); err != nil {
			return fmt.Errorf("failed to mark region %s dead: %w", regionID, err)
		}
	}

	live, err := queries.CountLiveProcesses(ctx, a.regionID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to count live processes: %w", err)
	}
	var status, statusInfo = deriveHealth(live, a.options.expectedProcesses)
	if err := queries.MarkHealth(ctx, a.regionID, serviceName, string(status), statusInfo); err != nil {
		return fmt.Errorf("failed to mark region health: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// deriveHealth computes a region's aggregate status from its live
// process count.
func deriveHealth(live, expected int) (ServiceStatus, string) {
	if live >= expected {
		return StatusRunning, ""
	}

	var noun = "processes"
	if live == 1 {
		noun = "process"
	}
	return StatusDegraded, fmt.Sprintf("%d %s running but %d were expected.", live, noun, expected)
}

// Demote withdraws this process from the fleet by deleting its process
// row, cascading its endpoints. The region identity itself persists.
func (a *Advertising) Demote(ctx context.Context) error {
	var queries = database.NewQueries(a.db)
	if err := queries.DeleteProcess(ctx, a.processID); err != nil {
		return fmt.Errorf("failed to demote: %w", err)
	}
	return nil
}

// Dump returns every advertised (hostname:pid=N, address, port) triple
// across the fleet, for diagnostics.
func (a *Advertising) Dump(ctx context.Context) ([]*database.AdvertisedEndpoint, error) {
	return database.NewQueries(a.db).ListAdvertised(ctx)
}
