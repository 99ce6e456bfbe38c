// Package nctd wires up the daemon's CLI flags and dispatches to the
// component graph in daemon.go: stack facade, RPC session layer,
// event loop, and the optional diagnostics surface.
package nctd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/nct-project/nct/config"
)

// version is overridable at link time:
//
//	go build -ldflags "-X github.com/nct-project/nct/cmd/nctd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args, builds a Config from flags/env/defaults, and
// runs the daemon until ctx is canceled.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("nctd", flag.ContinueOnError)

	// ── rendezvous ───────────────────────────────────────────────
	fs.StringVarP(&cfg.NetworkIDHex, "network", "n", cfg.NetworkIDHex, "Network id, 16 hex digits")
	fs.StringVar(&cfg.RendezvousDir, "rendezvous-dir", cfg.RendezvousDir, "Directory the rendezvous socket is created in")

	// ── virtual interface ────────────────────────────────────────
	fs.StringVar(&cfg.InterfaceIP, "addr", cfg.InterfaceIP, "Virtual interface address")
	fs.StringVar(&cfg.InterfaceMask, "netmask", cfg.InterfaceMask, "Virtual interface netmask")
	fs.StringVar(&cfg.Gateway, "gateway", cfg.Gateway, "Virtual interface gateway (optional)")
	fs.StringVar(&cfg.MAC, "mac", cfg.MAC, "Virtual interface hardware address")
	fs.IntVar(&cfg.MTU, "mtu", cfg.MTU, "Virtual interface MTU")

	// ── stack tuning ─────────────────────────────────────────────
	fs.IntVar(&cfg.TCPTickMS, "tcp-tick-ms", cfg.TCPTickMS, "TCP timer tick period in milliseconds")
	fs.IntVar(&cfg.ARPTickMS, "arp-tick-ms", cfg.ARPTickMS, "ARP timer tick period in milliseconds")
	fs.IntVar(&cfg.ApplicationPollFreq, "app-poll-freq", cfg.ApplicationPollFreq, "Application poll period in half-seconds")
	fs.IntVar(&cfg.TCPSndBuf, "tcp-snd-buf", cfg.TCPSndBuf, "TCP send buffer ceiling in bytes")

	// ── diagnostics ──────────────────────────────────────────────
	fs.StringVar(&cfg.DiagAddr, "diag-addr", cfg.DiagAddr, "Loopback address for the diagnostics status endpoint (empty disables)")
	fs.StringVar(&cfg.DiagTunnel, "diag-tunnel", cfg.DiagTunnel, "SSH bastion spec [user@]host[:port] exposing the diagnostics endpoint")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file for the diagnostics tunnel")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for an SSH password for the diagnostics tunnel")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use ssh-agent for the diagnostics tunnel")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys for the diagnostics tunnel")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind-address", cfg.RemoteBindAddress, "Bind address requested on the bastion")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Remote port requested on the bastion")
	fs.BoolVar(&cfg.TunnelAutoReconnect, "tunnel-auto-reconnect", cfg.TunnelAutoReconnect, "Reconnect the diagnostics tunnel on failure")
	fs.BoolVar(&cfg.TunnelCheckGatewayPts, "tunnel-check-gateway-ports", cfg.TunnelCheckGatewayPts, "Verify the bastion allows GatewayPorts before tunneling")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("nctd %s\n", version)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `nctd - Network Containment Tap daemon v%s

Terminates client socket calls against an embedded userspace TCP/IP
stack and exchanges Ethernet frames with an overlay network.

Usage:
  nctd --network <hex> --addr <ip> --netmask <mask> --mac <addr> [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Example:
  nctd -n 8056c2e21c000001 --addr 10.147.20.1 --netmask 255.255.255.0 \
       --mac 02:00:00:00:00:01 --diag-addr 127.0.0.1:9980
`)
}
