package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, environment variable loading, and tests. The tick
// and poll periods come directly from §6's Constants.

const (
	// DefaultRendezvousDir is the directory rendezvous sockets are
	// created in.
	DefaultRendezvousDir = "/tmp"

	// DefaultMTU matches the overlay's default Ethernet MTU.
	DefaultMTU = 2800

	// DefaultTCPTickMS drives the stack facade's tick_tcp().
	DefaultTCPTickMS = 10

	// DefaultARPTickMS drives tick_arp().
	DefaultARPTickMS = 5000

	// DefaultApplicationPollFreq is in half-seconds per application
	// poll, per §6.
	DefaultApplicationPollFreq = 20

	// DefaultStatusTickMS is the status-probe period referenced by §6
	// (the dead-code block of Design Note 9(a); kept as a named
	// constant since other ticks are).
	DefaultStatusTickMS = 500

	// DefaultTCPSndBuf bounds Connection.TxBuf.
	DefaultTCPSndBuf = 64 * 1024

	// DefaultSSHPort is the standard SSH port for the diagnostics tunnel.
	DefaultSSHPort = 22

	// DefaultTunnelKeepAlive is the diagnostics tunnel's SSH keepalive
	// interval.
	DefaultTunnelKeepAlive = 30 * time.Second

	// DefaultGracePeriod is how long the reactor waits for in-flight
	// handlers to finish during shutdown.
	DefaultGracePeriod = 5 * time.Second
)

// Defaults returns a Config populated with every default value, ready
// to be overlaid by environment variables and then CLI flags.
func Defaults() *Config {
	return &Config{
		RendezvousDir:       DefaultRendezvousDir,
		MTU:                 DefaultMTU,
		TCPTickMS:           DefaultTCPTickMS,
		ARPTickMS:           DefaultARPTickMS,
		ApplicationPollFreq: DefaultApplicationPollFreq,
		StatusTickMS:        DefaultStatusTickMS,
		TCPSndBuf:           DefaultTCPSndBuf,
		TunnelKeepAlive:     DefaultTunnelKeepAlive,
	}
}
