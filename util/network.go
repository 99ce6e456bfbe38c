package util

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
)

// RendezvousPrefix is prepended to the 16 hex digit network id to form
// the filesystem path of the rendezvous endpoint.
const RendezvousPrefix = ".nct_"

// ParseNetworkID parses a 1-16 digit hex string into a network id.
func ParseNetworkID(hex string) (uint64, error) {
	if hex == "" {
		return 0, fmt.Errorf("network id is required")
	}
	var id uint64
	_, err := fmt.Sscanf(hex, "%x", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid network id %q: %w", hex, err)
	}
	return id, nil
}

// RendezvousPath builds the filesystem path of the rendezvous endpoint
// for a network id, rooted at dir (typically "/tmp").
func RendezvousPath(dir string, nwid uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%016x", RendezvousPrefix, nwid))
}

// ParseMAC parses a colon-separated hardware address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	return mac, nil
}

// ParseIPv4 parses a dotted-quad address, rejecting anything that is
// not a bare IPv4 literal (the stack facade only supports IPv4).
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", s)
	}
	return ip.To4(), nil
}

// FindFreePort returns an available TCP port on 127.0.0.1. Used by the
// diagnostics tunnel's GatewayPorts probe and by tests.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
