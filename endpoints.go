package regiond

import (
	"fmt"
	"net"
)

// interfaceAddrs is swappable in tests.
var interfaceAddrs = net.InterfaceAddrs

// ComputeEndpoints derives the externally reachable (address, port)
// pairs for the given bound listeners. Listeners bound to a wildcard
// address are expanded across the host's interfaces, excluding loopback
// and link-local addresses unless nothing routable exists, in which
// case loopback is kept so the process is still advertised. An empty
// result means "not currently reachable", not an error.
func ComputeEndpoints(listeners []net.Listener) []Endpoint {
	var endpoints = make([]Endpoint, 0)
	for _, listener := range listeners {
		if listener == nil {
			continue
		}

		var addr, ok = listener.Addr().(*net.TCPAddr)
		if !ok {
			continue
		}

		if !addr.IP.IsUnspecified() {
			endpoints = append(endpoints, Endpoint{
				Address: addr.IP.String(),
				Port:    addr.Port,
			})
			continue
		}

		for _, ip := range hostAddresses() {
			endpoints = append(endpoints, Endpoint{
				Address: ip.String(),
				Port:    addr.Port,
			})
		}
	}
	return endpoints
}

// hostAddresses enumerates this host's addresses, preferring routable
// ones over loopback.
func hostAddresses() []net.IP {
	var addrs, err = interfaceAddrs()
	if err != nil {
		return nil
	}
	return selectAddresses(addrs)
}

// selectAddresses filters interface addresses down to the set worth
// advertising: routable addresses when any exist, loopback otherwise.
// Link-local addresses are never advertised.
func selectAddresses(addrs []net.Addr) []net.IP {
	var routable, loopback []net.IP
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}

		switch {
		case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		case ip.IsLoopback():
			loopback = append(loopback, ip)
		default:
			routable = append(routable, ip)
		}
	}

	if len(routable) > 0 {
		return routable
	}
	return loopback
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}
