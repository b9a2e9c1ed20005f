package regiond

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"go-regiond/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestServiceIntegration runs the full registration round trip against
// a real listener and database: a rack controller dials in, registers,
// is brokered to callers, and disappears again when its session drops.
func TestServiceIntegration(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		startService = func(t *testing.T, opts ...Option) (*Service, string) {
			var db = database.SetupTestDatabase(t)
			var sut = NewService(db, []string{"127.0.0.1:0"}, opts...)
			require.NoError(t, sut.Start(newCtx()))
			t.Cleanup(func() {
				_ = sut.Stop(newCtx())
			})

			var endpoints = sut.Endpoints()
			require.NotEmpty(t, endpoints)
			return sut, fmt.Sprintf("%s:%d", endpoints[0].Address, endpoints[0].Port)
		}
		register = func(t *testing.T, addr string, request RegisterRequest) (net.Conn, RegisterResponse) {
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			require.NoError(t, err)

			require.NoError(t, json.NewEncoder(conn).Encode(request))
			var response RegisterResponse
			require.NoError(t, json.NewDecoder(conn).Decode(&response))
			return conn, response
		}
	)

	t.Run("should mint an ident and broker the session", func(t *testing.T) {
		// Arrange
		var sut, addr = startService(t)

		// Act
		var conn, response = register(t, addr, RegisterRequest{
			Hostname: "rack-host",
			Interfaces: []Interface{
				{Name: "eth0", MACAddress: "aa:bb:cc:dd:ee:01"},
			},
		})
		defer conn.Close()

		// Assert
		require.Empty(t, response.Error)
		require.NotEmpty(t, response.SystemID)

		client, err := sut.GetClientFor(newCtx(), response.SystemID)
		require.NoError(t, err)
		assert.Equal(t, response.SystemID, client.Ident())

		record, err := database.NewQueries(sut.db).GetController(newCtx(), response.SystemID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "rack-host", record.Hostname)
		assert.Equal(t, database.NodeTypeRack, record.NodeType)
	})

	t.Run("should keep the ident across reconnects", func(t *testing.T) {
		// Arrange
		var _, addr = startService(t)
		var first, firstResponse = register(t, addr, RegisterRequest{Hostname: "rack-host"})
		require.Empty(t, firstResponse.Error)
		first.Close()

		// Act
		var second, secondResponse = register(t, addr, RegisterRequest{
			SystemID: firstResponse.SystemID,
			Hostname: "rack-host",
		})
		defer second.Close()

		// Assert
		require.Empty(t, secondResponse.Error)
		assert.Equal(t, firstResponse.SystemID, secondResponse.SystemID)
	})

	t.Run("should recognise a returning rack by MAC address", func(t *testing.T) {
		// Arrange - first registration with no ident mints one
		var _, addr = startService(t)
		var interfaces = []Interface{{Name: "eth0", MACAddress: "aa:bb:cc:dd:ee:02"}}
		var first, firstResponse = register(t, addr, RegisterRequest{
			Hostname:   "rack-host",
			Interfaces: interfaces,
		})
		require.Empty(t, firstResponse.Error)
		first.Close()

		// Act - the rack lost its ident but kept its hardware
		var second, secondResponse = register(t, addr, RegisterRequest{
			Hostname:   "rack-host",
			Interfaces: interfaces,
		})
		defer second.Close()

		// Assert
		require.Empty(t, secondResponse.Error)
		assert.Equal(t, firstResponse.SystemID, secondResponse.SystemID)
	})

	t.Run("should reject a registration without a hostname", func(t *testing.T) {
		// Arrange
		var _, addr = startService(t)

		// Act
		var conn, response = register(t, addr, RegisterRequest{})
		defer conn.Close()

		// Assert
		assert.NotEmpty(t, response.Error)
		assert.Empty(t, response.SystemID)
	})

	t.Run("should drop the client when the session closes", func(t *testing.T) {
		// Arrange
		var sut, addr = startService(t, WithLookupTimeout(200*time.Millisecond))
		var conn, response = register(t, addr, RegisterRequest{Hostname: "rack-host"})
		require.Empty(t, response.Error)
		_, err := sut.GetClientFor(newCtx(), response.SystemID)
		require.NoError(t, err)

		// Act
		conn.Close()

		// Assert
		require.Eventually(t, func() bool {
			return len(sut.Broker().Clients(response.SystemID)) == 0
		}, 5*time.Second, 10*time.Millisecond)

		_, err = sut.GetClientFor(newCtx(), response.SystemID)
		var noConn *NoConnectionError
		require.ErrorAs(t, err, &noConn)
		assert.True(t, noConn.TimedOut)
	})

	t.Run("should emit connect and disconnect events", func(t *testing.T) {
		// Arrange
		var sut, addr = startService(t)
		var events = make(chan Event, 8)
		var cancel = sut.Broker().Subscribe(func(event Event) {
			events <- event
		})
		defer cancel()

		// Act
		var conn, response = register(t, addr, RegisterRequest{Hostname: "rack-host"})
		require.Empty(t, response.Error)
		conn.Close()

		// Assert
		var connected = <-events
		assert.Equal(t, EventConnected, connected.Kind)
		assert.Equal(t, response.SystemID, connected.Ident)

		var disconnected = <-events
		assert.Equal(t, EventDisconnected, disconnected.Kind)
		assert.Equal(t, response.SystemID, disconnected.Ident)
	})

	t.Run("should advertise this process once running", func(t *testing.T) {
		// Arrange
		var sut, _ = startService(t)

		// Act
		require.Eventually(t, func() bool {
			return sut.Advertiser().State() == StateRunning
		}, 5*time.Second, 10*time.Millisecond)

		// Assert - the dump names this process and its real endpoint
		dump, err := sut.Advertised(newCtx())
		require.NoError(t, err)
		require.NotEmpty(t, dump)
		assert.Contains(t, dump[0].Name, fmt.Sprintf(":pid=%d", sut.Advertiser().Current().PID()))

		health, err := sut.Health(newCtx())
		require.NoError(t, err)
		require.NotEmpty(t, health)
	})

	t.Run("should record the session in the shared store", func(t *testing.T) {
		// Arrange
		var sut, addr = startService(t)
		require.Eventually(t, func() bool {
			return sut.Advertiser().State() == StateRunning
		}, 5*time.Second, 10*time.Millisecond)

		// Act
		var conn, response = register(t, addr, RegisterRequest{Hostname: "rack-host"})
		defer conn.Close()
		require.Empty(t, response.Error)

		// Assert
		var queries = database.NewQueries(sut.db)
		require.Eventually(t, func() bool {
			connections, err := queries.ListRackConnections(newCtx(), response.SystemID)
			return err == nil && len(connections) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("should refuse a second start and a double stop", func(t *testing.T) {
		// Arrange
		var db = database.SetupTestDatabase(t)
		var sut = NewService(db, []string{"127.0.0.1:0"}, WithLookupTimeout(time.Second))
		require.NoError(t, sut.Start(newCtx()))

		// Act
		var startErr = sut.Start(newCtx())
		require.NoError(t, sut.Stop(newCtx()))
		var stopErr = sut.Stop(newCtx())

		// Assert
		assert.ErrorIs(t, startErr, ErrAlreadyStarted)
		assert.ErrorIs(t, stopErr, ErrNotStarted)
	})
}
