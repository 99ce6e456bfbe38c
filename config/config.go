// Package config defines the daemon's runtime configuration and the
// flags/env/defaults precedence chain used to build it.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/nct-project/nct/util"
)

// tunnelSpecRe matches [user@]host[:port], the same shape the
// teacher's SSH tunnel flag used.
var tunnelSpecRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222". Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelSpecRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q - expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = 22
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// Config holds every tuneable for a single daemon instance.
type Config struct {
	// ── Rendezvous ───────────────────────────────────────────────────
	NetworkIDHex  string // raw hex from -n/--network
	NetworkID     uint64 // parsed
	RendezvousDir string // directory the rendezvous socket is created in (default /tmp)

	// ── Virtual interface ────────────────────────────────────────────
	InterfaceIP   string // dotted-quad, e.g. "10.147.20.1"
	InterfaceMask string // dotted-quad netmask
	Gateway       string // dotted-quad gateway, may be empty
	MAC           string // colon-separated hardware address
	MTU           int

	// ── Stack tuning ─────────────────────────────────────────────────
	TCPTickMS           int
	ARPTickMS           int
	ApplicationPollFreq int // half-seconds per application poll
	StatusTickMS        int
	TCPSndBuf           int // bytes; bounds Connection.TxBuf

	// ── Diagnostics ──────────────────────────────────────────────────
	DiagAddr   string // loopback listen address for the status server, empty disables
	DiagTunnel string // raw user@host[:port] bastion spec, empty disables the reverse tunnel

	TunnelUser            string
	TunnelHost            string
	TunnelPort            int
	SSHKeyPath            string
	SSHPassword           bool
	UseSSHAgent           bool
	StrictHostKey         bool
	KnownHostsPath        string
	RemoteBindAddress     string
	RemotePort            int
	TunnelKeepAlive       time.Duration
	TunnelAutoReconnect   bool
	TunnelCheckGatewayPts bool

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// Validate checks that the configuration is internally consistent and
// fills in the parsed fields derived from raw strings.
func (c *Config) Validate() error {
	if c.NetworkIDHex == "" {
		return fmt.Errorf("network id is required (use --network)")
	}
	id, err := util.ParseNetworkID(c.NetworkIDHex)
	if err != nil {
		return err
	}
	c.NetworkID = id

	if c.InterfaceIP == "" {
		return fmt.Errorf("interface address is required (use --addr)")
	}
	if _, err := util.ParseIPv4(c.InterfaceIP); err != nil {
		return err
	}
	if c.InterfaceMask == "" {
		return fmt.Errorf("interface netmask is required (use --netmask)")
	}
	if _, err := util.ParseIPv4(c.InterfaceMask); err != nil {
		return fmt.Errorf("netmask: %w", err)
	}
	if c.Gateway != "" {
		if _, err := util.ParseIPv4(c.Gateway); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}
	if c.MAC == "" {
		return fmt.Errorf("interface MAC address is required (use --mac)")
	}
	if _, err := net.ParseMAC(c.MAC); err != nil {
		return fmt.Errorf("mac: %w", err)
	}
	if c.MTU <= 0 {
		return fmt.Errorf("mtu must be positive")
	}

	if c.TCPTickMS <= 0 || c.ARPTickMS <= 0 || c.ApplicationPollFreq <= 0 || c.StatusTickMS <= 0 {
		return fmt.Errorf("tick/poll periods must be positive")
	}
	if c.TCPSndBuf <= 0 {
		return fmt.Errorf("tcp send buffer size must be positive")
	}

	if c.DiagTunnel != "" {
		user, host, port, err := ParseTunnelSpec(c.DiagTunnel)
		if err != nil {
			return fmt.Errorf("diag-tunnel: %w", err)
		}
		c.TunnelUser = user
		c.TunnelHost = host
		c.TunnelPort = port
	}

	return nil
}
