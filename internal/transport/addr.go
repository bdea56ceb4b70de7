// Package transport implements the reliable, reconnecting,
// one-to-many message transport shared by the engine and controller:
// a registered-peer set, an inbound/outbound queue pair, a bounded
// history ring for replay, and the sequence-number policy described
// in spec.md §4.2.
//
// The Python original multiplexes all peer sockets with a single
// select() loop woken by a self-pipe. Go's idiomatic equivalent of
// that multiplexing is one reader goroutine per connection feeding a
// shared channel, with a single goroutine owning all mutation of the
// peer set, history ring, and sequence counter — preserving the
// "single-threaded event loop" invariants without hand-rolling
// select() over raw file descriptors.
package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerAddr identifies a remote endpoint by (ip, port), mirroring the
// Python original's tuple keys.
type PeerAddr struct {
	IP   string
	Port int
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// ParsePeerAddr parses an "ip:port" string, as accepted by the
// controller's -a flag and HOSTS config key.
func ParsePeerAddr(s string) (PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return PeerAddr{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("parsing port in %q: %w", s, err)
	}
	return PeerAddr{IP: host, Port: port}, nil
}

// PeerAddrFromConn derives a PeerAddr from a connection's remote address.
func PeerAddrFromConn(conn net.Conn) PeerAddr {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return PeerAddr{IP: conn.RemoteAddr().String()}
	}
	port, _ := strconv.Atoi(portStr)
	return PeerAddr{IP: host, Port: port}
}
