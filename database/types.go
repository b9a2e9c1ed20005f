package database

import "time"

// Node types for controller records. Promotion converts an existing
// record in place rather than duplicating it.
const (
	NodeTypeMachine    = "machine"
	NodeTypeRack       = "rack"
	NodeTypeRegion     = "region"
	NodeTypeRegionRack = "region+rack"
)

// ControllerRecord represents a rack or region controller identity.
type ControllerRecord struct {
	SystemID string
	Hostname string
	NodeType string
	Created  time.Time
	Updated  time.Time
}

// InterfaceRecord represents one network interface of a controller.
type InterfaceRecord struct {
	SystemID   string
	Name       string
	MACAddress string
}

// ProcessRecord represents one live region controller process. Its
// updated timestamp acts as a liveness heartbeat.
type ProcessRecord struct {
	ID       int64
	RegionID string
	PID      int
	Created  time.Time
	Updated  time.Time
}

// EndpointRecord represents one advertised (address, port) pair owned
// by a region controller process.
type EndpointRecord struct {
	ProcessID int64
	Address   string
	Port      int
}

// ServiceRecord represents the aggregate health of one region
// controller as derived during advertising.
type ServiceRecord struct {
	RegionID   string
	Name       string
	Status     string
	StatusInfo string
}

// RackConnectionRecord durably records a live rack controller session
// terminating in a particular region process, for cross-process
// visibility.
type RackConnectionRecord struct {
	RackID   string
	RegionID string
	PID      int
}

// AdvertisedEndpoint is one row of the diagnostic dump: which process
// (named hostname:pid=N) advertises which endpoint.
type AdvertisedEndpoint struct {
	Name    string
	Address string
	Port    int
}
