package regiond

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go-regiond/database"

	"github.com/google/uuid"
)

// RegisterRequest is the registration exchanged when a rack controller
// opens its session. A missing system ID asks the region to mint one.
type RegisterRequest struct {
	SystemID   string      `json:"system_id,omitempty"`
	Hostname   string      `json:"hostname"`
	Interfaces []Interface `json:"interfaces,omitempty"`
}

// RegisterResponse acknowledges a registration, echoing the (possibly
// newly minted) system ID.
type RegisterResponse struct {
	SystemID string `json:"system_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Service is one region controller process: it accepts persistent rack
// controller sessions, tracks them in the Broker, and advertises its
// own identity and endpoints to the shared store.
type Service struct {
	db          *sql.DB
	broker      *Broker
	advertiser  *Advertiser
	options     options
	listenAddrs []string

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	cancel    context.CancelFunc
	started   bool

	wg sync.WaitGroup
}

// NewService creates a region service listening on the given TCP
// addresses for rack controller sessions.
func NewService(db *sql.DB, listenAddrs []string, opts ...Option) *Service {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var hostname, _ = os.Hostname()
	var s = &Service{
		db:          db,
		broker:      NewBroker(opts...),
		options:     options,
		listenAddrs: listenAddrs,
		conns:       make(map[net.Conn]struct{}),
	}
	s.advertiser = NewAdvertiser(db, "", hostname, nil, s.Endpoints, opts...)
	return s
}

// Start migrates the store, binds the listeners, begins accepting rack
// sessions, and launches the advertising loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := database.Migrate(s.db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	var listeners []net.Listener
	for _, addr := range s.listenAddrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	s.listeners = listeners

	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(context.Background())

	for _, listener := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(runCtx, listener)
	}

	if err := s.advertiser.Start(); err != nil {
		return err
	}

	s.started = true
	s.options.logger.Info("region service started", "listeners", len(listeners))
	return nil
}

// Stop closes the listeners and all live sessions, waits for handlers
// to drain, withdraws this process's advertisement, and stops event
// dispatch.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false

	for _, listener := range s.listeners {
		listener.Close()
	}
	s.listeners = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.advertiser.Stop(ctx); err != nil {
		s.broker.Close()
		return err
	}
	s.broker.Close()

	s.options.logger.Info("region service stopped")
	return nil
}

// Broker returns the connection broker.
func (s *Service) Broker() *Broker {
	return s.broker
}

// Advertiser returns the advertising loop.
func (s *Service) Advertiser() *Advertiser {
	return s.advertiser
}

// GetClientFor returns a client for the given rack controller, waiting
// up to the configured lookup timeout for one to connect.
func (s *Service) GetClientFor(ctx context.Context, ident string) (Client, error) {
	return s.broker.GetClientFor(ctx, ident, s.options.lookupTimeout)
}

// GetAllClients returns one client per live rack connection.
func (s *Service) GetAllClients() []Client {
	return s.broker.GetAllClients()
}

// Endpoints computes the externally reachable endpoints of the bound
// listeners. Empty while the listeners are down.
func (s *Service) Endpoints() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeEndpoints(s.listeners)
}

// Health returns the aggregate health rows for every region controller.
func (s *Service) Health(ctx context.Context) ([]*database.ServiceRecord, error) {
	return database.NewQueries(s.db).ListServiceStatuses(ctx)
}

// Advertised returns the fleet-wide advertised endpoint dump, or nil
// before this process has promoted.
func (s *Service) Advertised(ctx context.Context) ([]*database.AdvertisedEndpoint, error) {
	var advertising = s.advertiser.Current()
	if advertising == nil {
		return nil, nil
	}
	return advertising.Dump(ctx)
}

func (s *Service) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Listener closed by Stop, or transient accept failure.
			s.options.logger.Debug("accept failed", "error", err)
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the registration exchange and then holds the session
// open until the rack controller goes away.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var request RegisterRequest
	if err := json.NewDecoder(conn).Decode(&request); err != nil {
		s.options.logger.Debug("failed to read registration", "error", err)
		return
	}

	ident, err := s.registerRack(ctx, request)
	if err != nil {
		// The rack observes a rejection as a dropped connection.
		s.options.logger.Warn("rejected rack registration",
			"hostname", request.Hostname,
			"error", err)
		_ = json.NewEncoder(conn).Encode(RegisterResponse{Error: err.Error()})
		return
	}

	if err := json.NewEncoder(conn).Encode(RegisterResponse{SystemID: ident}); err != nil {
		s.options.logger.Debug("failed to acknowledge registration", "error", err)
		return
	}

	conn.SetReadDeadline(time.Time{})

	var rack = &rackConn{ident: ident, conn: conn}
	s.broker.AddConnection(ident, rack)
	go s.recordConnection(ident)

	// Hold the session until the far end goes away or the service
	// stops and closes the socket.
	io.Copy(io.Discard, conn)

	s.broker.RemoveConnection(ident, rack)
	go s.eraseConnection(ident)
}

// registerRack resolves or creates the rack controller identity for a
// registration request.
func (s *Service) registerRack(ctx context.Context, request RegisterRequest) (string, error) {
	if request.Hostname == "" {
		return "", fmt.Errorf("missing hostname: %w", ErrRegistrationRejected)
	}

	var (
		queries = database.NewQueries(s.db)
		macs    = make([]string, 0, len(request.Interfaces))
	)
	for _, iface := range request.Interfaces {
		if iface.MACAddress != "" {
			macs = append(macs, iface.MACAddress)
		}
	}

	var rack *database.ControllerRecord
	var err error

	if request.SystemID != "" {
		if rack, err = queries.GetController(ctx, request.SystemID); err != nil {
			return "", fmt.Errorf("failed to look up rack %s: %w", request.SystemID, err)
		}
	}
	if rack == nil && request.SystemID == "" {
		if rack, err = queries.GetControllerByMAC(ctx, macs); err != nil {
			return "", fmt.Errorf("failed to look up rack by MAC: %w", err)
		}
	}

	if rack == nil {
		rack = &database.ControllerRecord{
			SystemID: request.SystemID,
			Hostname: request.Hostname,
			NodeType: database.NodeTypeRack,
		}
		if rack.SystemID == "" {
			rack.SystemID = uuid.New().String()
		}
		if err := queries.CreateController(ctx, rack); err != nil {
			return "", fmt.Errorf("failed to create rack controller: %w", err)
		}
	} else if err := queries.RefreshController(ctx, rack.SystemID, request.Hostname); err != nil {
		return "", fmt.Errorf("failed to refresh rack controller: %w", err)
	}

	for _, iface := range request.Interfaces {
		if iface.Name == "" || iface.MACAddress == "" {
			continue
		}
		var record = &database.InterfaceRecord{
			SystemID:   rack.SystemID,
			Name:       iface.Name,
			MACAddress: iface.MACAddress,
		}
		if err := queries.UpsertInterface(ctx, record); err != nil {
			return "", fmt.Errorf("failed to record rack interface: %w", err)
		}
	}

	return rack.SystemID, nil
}

// recordConnection durably records the session in the shared store for
// cross-process visibility. Best effort: the in-memory table is
// authoritative for this process, so failures are only logged.
func (s *Service) recordConnection(ident string) {
	var advertising = s.advertiser.Current()
	if advertising == nil {
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var record = &database.RackConnectionRecord{
		RackID:   ident,
		RegionID: advertising.RegionID(),
		PID:      advertising.PID(),
	}
	if err := database.NewQueries(s.db).UpsertRackConnection(ctx, record); err != nil {
		s.options.logger.Warn("failed to record rack connection",
			"ident", ident,
			"error", err)
	}
}

func (s *Service) eraseConnection(ident string) {
	var advertising = s.advertiser.Current()
	if advertising == nil {
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var queries = database.NewQueries(s.db)
	if err := queries.DeleteRackConnection(ctx, ident, advertising.RegionID(), advertising.PID()); err != nil {
		s.options.logger.Warn("failed to erase rack connection",
			"ident", ident,
			"error", err)
	}
}

// rackConn binds one accepted TCP session to a rack controller ident.
type rackConn struct {
	ident string
	conn  net.Conn
}

func (c *rackConn) Ident() string {
	return c.ident
}

func (c *rackConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *rackConn) Close() error {
	return c.conn.Close()
}
