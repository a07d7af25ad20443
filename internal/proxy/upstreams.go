//go:build linux

package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultUpstreams returns the default upstream list: the two
// well-known public resolvers 8.8.8.8:53 and 8.8.4.4:53.
func DefaultUpstreams() []unix.Sockaddr {
	return []unix.Sockaddr{
		&unix.SockaddrInet4{Port: 53, Addr: [4]byte{8, 8, 8, 8}},
		&unix.SockaddrInet4{Port: 53, Addr: [4]byte{8, 8, 4, 4}},
	}
}

// ParseUpstreams parses a comma-separated "ip:port,ip:port,..." list
// into the static upstream-address list. Upstreams are IPv4-only and
// fixed at startup; there is no dynamic discovery.
func ParseUpstreams(csv string) ([]unix.Sockaddr, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return DefaultUpstreams(), nil
	}
	var out []unix.Sockaddr
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("proxy: %q: %w", part, err)
		}
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("proxy: %q: not an IPv4 address", host)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("proxy: %q: %w", part, err)
		}
		out = append(out, &unix.SockaddrInet4{
			Port: port,
			Addr: [4]byte{ip[0], ip[1], ip[2], ip[3]},
		})
	}
	if len(out) == 0 {
		return DefaultUpstreams(), nil
	}
	return out, nil
}

// ParseListenAddr parses a "ip:port" string into the struct
// NewServerSocket expects.
func ParseListenAddr(hostport string) (unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return unix.SockaddrInet4{}, fmt.Errorf("proxy: %q: %w", hostport, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return unix.SockaddrInet4{}, fmt.Errorf("proxy: %q: not an IPv4 address", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return unix.SockaddrInet4{}, fmt.Errorf("proxy: %q: %w", hostport, err)
	}
	return unix.SockaddrInet4{Port: port, Addr: [4]byte{ip[0], ip[1], ip[2], ip[3]}}, nil
}
