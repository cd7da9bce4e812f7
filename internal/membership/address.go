package membership

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Address identifies a seed or peer by host and port.
// It is a comparable value and is used directly as a map key.
type Address struct {
	Host string
	Port uint16
}

// NewAddress creates an Address.
func NewAddress(host string, port uint16) Address {
	return Address{Host: host, Port: port}
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid address %q: empty host", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

// MustParseAddress is ParseAddress for literals; it panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromNetAddr converts a net.Addr (as reported by a listener or a connection) to an Address.
func FromNetAddr(addr net.Addr) (Address, error) {
	if addr == nil {
		return Address{}, fmt.Errorf("nil net address")
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Address{Host: tcp.IP.String(), Port: uint16(tcp.Port)}, nil
	}
	return ParseAddress(addr.String())
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// WithPort returns a copy of a with the port replaced.
func (a Address) WithPort(port uint16) Address {
	return Address{Host: a.Host, Port: port}
}

// String returns "host:port".
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// SortAddresses sorts addrs in place by host, then port.
func SortAddresses(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Host != addrs[j].Host {
			return addrs[i].Host < addrs[j].Host
		}
		return addrs[i].Port < addrs[j].Port
	})
}
