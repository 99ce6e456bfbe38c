package nctd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nct-project/nct/config"
	"github.com/nct-project/nct/internal/diagserver"
	"github.com/nct-project/nct/internal/diagtunnel"
	"github.com/nct-project/nct/internal/lifecycle"
	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/netstack"
	"github.com/nct-project/nct/internal/pump"
	"github.com/nct-project/nct/internal/reactor"
	"github.com/nct-project/nct/internal/registry"
	"github.com/nct-project/nct/internal/rpcserver"
	"github.com/nct-project/nct/util"
)

// daemon owns every long-lived component wired together for one run
// of the NCT: the embedded stack, the RPC session layer, the event
// loop that drives both, and the optional diagnostics surface.
type daemon struct {
	cfg     *config.Config
	log     *util.Logger
	metrics *metrics.Collector

	facade    *netstack.Facade
	registry  *registry.Registry
	pump      *pump.Pump
	reactor   *reactor.Reactor
	lifecycle *lifecycle.Manager
	rpcServer *rpcserver.Server

	diag   *diagserver.Server
	tunnel *diagtunnel.Tunnel
}

// newDaemon wires every component named in SPEC_FULL.md §4 against
// cfg but starts nothing — call run to bring the event loop up.
func newDaemon(cfg *config.Config) (*daemon, error) {
	log := util.NewLogger(cfg.Verbose)
	m := metrics.New()

	d := &daemon{cfg: cfg, log: log, metrics: m}

	facade, err := netstack.NewFacade(netstack.Options{
		IfaceIP:             cfg.InterfaceIP,
		IfaceMask:           cfg.InterfaceMask,
		Gateway:             cfg.Gateway,
		MAC:                 cfg.MAC,
		MTU:                 cfg.MTU,
		SndBufCap:           cfg.TCPSndBuf,
		ApplicationPollFreq: cfg.ApplicationPollFreq,
		Log:                 log,
		Metrics:             m,
		// The overlay that would consume emitted frames is an external
		// collaborator out of scope for this daemon (spec.md §1); a
		// real deployment wires this to whatever transport delivers
		// frames to that collaborator. Here it only logs and counts.
		OnLinkOut: func(frame []byte) {
			log.Debug("link_out: %d byte frame (no overlay transport configured)", len(frame))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stack facade: %w", err)
	}
	d.facade = facade

	react, err := reactor.New(facade, log, cfg.TCPTickMS, cfg.ARPTickMS)
	if err != nil {
		facade.Close()
		return nil, fmt.Errorf("reactor: %w", err)
	}
	d.reactor = react

	d.registry = registry.New()

	d.pump = pump.New(facade, react, m, log, cfg.TCPSndBuf)

	ifaceIP, err := util.ParseIPv4(cfg.InterfaceIP)
	if err != nil {
		react.Close()
		facade.Close()
		return nil, err
	}
	d.lifecycle = lifecycle.New(facade, d.registry, d.pump, react, m, log, ifaceIP)

	rpcSrv, err := rpcserver.New(cfg.RendezvousDir, cfg.NetworkID, react, d.lifecycle, m, log)
	if err != nil {
		react.Close()
		facade.Close()
		return nil, fmt.Errorf("rendezvous listener: %w", err)
	}
	d.rpcServer = rpcSrv

	// Wire the reactor's three readiness sources per §5's ordering
	// rule: pump.TX assumes STACK_LOCK is already held, so the
	// connection-ready path takes it before resolving and pumping.
	react.OnListenerReady = rpcSrv.Accept
	react.OnSessionReady = rpcSrv.HandleSession
	react.OnConnReady = func(id registry.ConnID) {
		facade.Lock()
		defer facade.Unlock()
		if conn, ok := d.registry.Lookup(id); ok {
			d.pump.TX(conn)
		}
	}

	if cfg.DiagAddr != "" {
		d.diag = diagserver.New(cfg.DiagAddr, m, log)
	}

	if cfg.DiagTunnel != "" {
		d.tunnel = diagtunnel.New(&diagtunnel.Config{
			SSH: &diagtunnel.SSHConfig{
				User:          cfg.TunnelUser,
				Host:          cfg.TunnelHost,
				Port:          cfg.TunnelPort,
				KeyPath:       cfg.SSHKeyPath,
				PromptPass:    cfg.SSHPassword,
				UseAgent:      cfg.UseSSHAgent,
				StrictHostKey: cfg.StrictHostKey,
				KnownHosts:    cfg.KnownHostsPath,
			},
			RemoteBindAddress: cfg.RemoteBindAddress,
			RemotePort:        cfg.RemotePort,
			LocalPort:         diagPort(cfg.DiagAddr),
			CheckGatewayPorts: cfg.TunnelCheckGatewayPts,
			KeepAliveInterval: cfg.TunnelKeepAlive,
			AutoReconnect:     cfg.TunnelAutoReconnect,
		}, log, m)
	}

	return d, nil
}

// run starts every component and blocks until ctx is canceled or the
// reactor's event loop exits on its own.
func (d *daemon) run(ctx context.Context) error {
	linkOutCtx, cancelLinkOut := context.WithCancel(ctx)
	defer cancelLinkOut()
	go d.facade.RunLinkOut(linkOutCtx)

	if err := d.rpcServer.Start(); err != nil {
		return fmt.Errorf("rendezvous listener: registering with reactor: %w", err)
	}

	if d.diag != nil {
		if err := d.diag.Start(); err != nil {
			d.log.Error("diagnostics server: %v", err)
		} else {
			d.log.Info("diagnostics endpoint listening on %s", d.diag.Addr())
		}
	}

	if d.tunnel != nil {
		if err := d.tunnel.Start(ctx); err != nil {
			d.log.Error("diagnostics tunnel: %v", err)
		}
	}

	reactorErr := make(chan error, 1)
	go func() { reactorErr <- d.reactor.Run() }()

	d.log.Info("nctd: listening on network %016x at %s/%s", d.cfg.NetworkID, d.cfg.InterfaceIP, d.cfg.InterfaceMask)

	var err error
	select {
	case <-ctx.Done():
		d.reactor.Stop()
		err = <-reactorErr
	case err = <-reactorErr:
	}

	d.shutdown()
	return err
}

func (d *daemon) shutdown() {
	if d.tunnel != nil {
		if err := d.tunnel.Close(); err != nil {
			d.log.Warn("diagnostics tunnel: close: %v", err)
		}
	}
	if d.diag != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.diag.Close(shutdownCtx); err != nil {
			d.log.Warn("diagnostics server: close: %v", err)
		}
	}
	if err := d.rpcServer.Close(); err != nil {
		d.log.Warn("rendezvous listener: close: %v", err)
	}
	if err := d.reactor.Close(); err != nil {
		d.log.Warn("reactor: close: %v", err)
	}
	d.facade.Close()
}

// diagPort extracts the port diagserver binds to, since diagtunnel
// forwards to it by address rather than sharing the *diagserver.Server
// directly.
func diagPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
