package database

import (
	"database/sql"
	"fmt"
)

var (
	createControllersTableSQL = `
CREATE TABLE IF NOT EXISTS controllers (
    system_id   VARCHAR       NOT NULL,
    hostname    VARCHAR       NOT NULL,
    node_type   VARCHAR       NOT NULL,
    created     TIMESTAMPTZ   NOT NULL DEFAULT now(),
    updated     TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (system_id)
);`

	createInterfacesTableSQL = `
CREATE TABLE IF NOT EXISTS controller_interfaces (
    system_id    VARCHAR   NOT NULL REFERENCES controllers (system_id) ON DELETE CASCADE,
    name         VARCHAR   NOT NULL,
    mac_address  VARCHAR   NOT NULL,

    PRIMARY KEY (system_id, name)
);`

	createProcessesTableSQL = `
CREATE TABLE IF NOT EXISTS controller_processes (
    id         BIGINT        NOT NULL DEFAULT nextval('controller_processes_id_seq'),
    region_id  VARCHAR       NOT NULL REFERENCES controllers (system_id) ON DELETE CASCADE,
    pid        INTEGER       NOT NULL,
    created    TIMESTAMPTZ   NOT NULL DEFAULT now(),
    updated    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (id),
    UNIQUE (region_id, pid)
);`

	createProcessesSequenceSQL = `
CREATE SEQUENCE IF NOT EXISTS controller_processes_id_seq;`

	createEndpointsTableSQL = `
CREATE TABLE IF NOT EXISTS controller_process_endpoints (
    process_id  BIGINT    NOT NULL REFERENCES controller_processes (id) ON DELETE CASCADE,
    address     VARCHAR   NOT NULL,
    port        INTEGER   NOT NULL,

    PRIMARY KEY (process_id, address, port)
);`

	createServicesTableSQL = `
CREATE TABLE IF NOT EXISTS controller_services (
    region_id    VARCHAR   NOT NULL REFERENCES controllers (system_id) ON DELETE CASCADE,
    name         VARCHAR   NOT NULL,
    status       VARCHAR   NOT NULL,
    status_info  VARCHAR   NOT NULL DEFAULT '',

    PRIMARY KEY (region_id, name)
);`

	createRackConnectionsTableSQL = `
CREATE TABLE IF NOT EXISTS rack_connections (
    rack_id    VARCHAR       NOT NULL REFERENCES controllers (system_id) ON DELETE CASCADE,
    region_id  VARCHAR       NOT NULL,
    pid        INTEGER       NOT NULL,
    created    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (rack_id, region_id, pid),
    FOREIGN KEY (region_id, pid) REFERENCES controller_processes (region_id, pid) ON DELETE CASCADE
);`

	createProcessesRegionIndexSQL = `
CREATE INDEX IF NOT EXISTS controller_processes_region_idx
ON controller_processes (region_id);`
)

// Migrate creates the registry tables and indexes.
func Migrate(db *sql.DB) error {
	var statements = []string{
		createControllersTableSQL,
		createInterfacesTableSQL,
		createProcessesSequenceSQL,
		createProcessesTableSQL,
		createEndpointsTableSQL,
		createServicesTableSQL,
		createRackConnectionsTableSQL,
		createProcessesRegionIndexSQL,
	}

	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return nil
}
