// Package address provides a type for representing a server address.
package address

import "strings"

// Address is a network address for a MongoDB server. It is normally of the form "host:port" but
// may also be a Unix domain socket path.
type Address string

// String returns the address as a string.
func (a Address) String() string {
	return string(a)
}

// Network returns the network type for this address. It returns "unix" for Unix domain socket
// paths and "tcp" otherwise.
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// Hostname returns the hostname portion of the address, dropping any port. A port-less address
// is returned unchanged; only an empty address yields "localhost".
func (a Address) Hostname() string {
	s := string(a)
	if idx := strings.LastIndex(s, ":"); idx != -1 && a.Network() != "unix" {
		return s[:idx]
	}
	if s == "" {
		return "localhost"
	}
	return s
}

// Canonicalize returns the address normalized to lowercase with a default port applied when the
// address has none. This mirrors how server-reported addresses are matched against topology
// addresses: hostnames are compared case-insensitively per the hello/isMaster reply contract.
func (a Address) Canonicalize() Address {
	s := strings.ToLower(string(a))
	if a.Network() == "unix" {
		return Address(s)
	}
	if !strings.Contains(s, ":") {
		s += ":27017"
	}
	return Address(s)
}
