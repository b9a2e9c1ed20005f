package regiond

import "net"

// Connection is one live RPC session from a rack controller terminating
// in this process. Connections are owned by the Broker for their whole
// lifetime; nothing else mutates the connection table.
type Connection interface {
	// Ident returns the system ID of the rack controller on the far end.
	Ident() string
	// RemoteAddr returns the network address of the rack controller.
	RemoteAddr() net.Addr
	// Close tears down the underlying session.
	Close() error
}

// Client is a usable handle for talking to a rack controller, wrapping
// one connection chosen by the Broker.
type Client struct {
	conn Connection
}

// Ident returns the system ID of the rack controller this client talks to.
func (c Client) Ident() string {
	return c.conn.Ident()
}

// Conn returns the underlying connection.
func (c Client) Conn() Connection {
	return c.conn
}

// ServiceStatus is the aggregate health of a region controller, derived
// from its live process count.
type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusDegraded ServiceStatus = "degraded"
	StatusDead     ServiceStatus = "dead"
)

// Endpoint is one advertised (address, port) pair owned by a region
// controller process.
type Endpoint struct {
	Address string
	Port    int
}

// Interface describes one network interface reported by a rack
// controller during registration.
type Interface struct {
	Name       string `json:"name"`
	MACAddress string `json:"mac_address"`
}
