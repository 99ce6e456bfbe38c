// Package diagtunnel implements a reverse SSH tunnel that exposes the
// daemon's diagnostics endpoint on a remote bastion host (the Go
// equivalent of ssh -R), so an operator can curl a single remote
// address instead of needing a route to the machine running the NCT.
// Supporting logic is split across sibling files:
//
//   - dial.go      - SSH dialling, gateway validation, message draining
//   - listener.go  - custom forwarded-tcpip listener
//   - forwarder.go - connection bridging to the local diagserver
//   - health.go    - keepalive and reconnection
//   - auth.go      - SSH authentication method construction
package diagtunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "github.com/nct-project/nct/internal/errors"
	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/internal/retry"
	"github.com/nct-project/nct/util"
)

// Config holds everything needed to establish a reverse SSH tunnel
// that exposes the diagnostics endpoint on a remote gateway.
type Config struct {
	// SSH connection parameters.
	SSH *SSHConfig

	// Remote gateway listener.
	RemoteBindAddress string // address to bind on the gateway (default "", i.e. server decides)
	RemotePort        int    // port to bind on the gateway

	// Local diagserver address being exposed.
	LocalAddress string // default "127.0.0.1"
	LocalPort    int

	// Behaviour.
	CheckGatewayPorts bool
	KeepAliveInterval time.Duration // 0 disables keepalive
	AutoReconnect     bool
}

// Tunnel forwards connections arriving on a remote SSH gateway to the
// local diagserver's status endpoint.
type Tunnel struct {
	config   *Config
	client   *ssh.Client
	listener net.Listener
	logger   *util.Logger
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	// breaker short-circuits the reconnect loop after repeated gateway
	// failures instead of hammering a bastion that is actually down.
	breaker *retry.CircuitBreaker
}

// New creates a diagnostics tunnel ready to [Tunnel.Start]. The
// metrics collector is optional (nil-safe).
func New(cfg *Config, logger *util.Logger, m *metrics.Collector) *Tunnel {
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	return &Tunnel{
		config:  cfg,
		logger:  logger,
		metrics: m,
		breaker: retry.NewCircuitBreaker(nil),
	}
}

// Start connects to the SSH gateway, requests a remote listener, and
// begins forwarding inbound connections to the local diagserver.
func (t *Tunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ncerr.ErrTunnelClosed
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	client, err := t.dialSSH(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("SSH connection: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	if t.config.CheckGatewayPorts {
		if err := t.validateGatewayPorts(); err != nil {
			client.Close()
			t.cancel()
			return err
		}
	}

	// Request a remote listener via our custom handler that accepts
	// all forwarded-tcpip channels regardless of the bind address the
	// server reports (needed for serveo.net et al.).
	listener, err := listenRemoteForward(client, t.config.RemoteBindAddress, t.config.RemotePort)
	if err != nil {
		client.Close()
		t.cancel()
		remoteAddr := fmt.Sprintf("%s:%d", t.config.RemoteBindAddress, t.config.RemotePort)
		return fmt.Errorf("remote listen on %s: %w", remoteAddr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	remoteAddr := fmt.Sprintf("%s:%d", t.config.RemoteBindAddress, t.config.RemotePort)
	localAddr := fmt.Sprintf("%s:%d", t.config.LocalAddress, t.config.LocalPort)
	t.logger.Info("diagnostics tunnel established: %s (remote) -> %s (local)", remoteAddr, localAddr)

	go func() {
		<-t.ctx.Done()
		t.mu.Lock()
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Unlock()
	}()

	if t.config.KeepAliveInterval > 0 {
		t.wg.Add(1)
		go t.keepaliveLoop()
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

// Wait blocks until every forwarding goroutine has returned.
func (t *Tunnel) Wait() {
	t.wg.Wait()
}

// Close tears down the listener, SSH client, and all active forwards.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	var errs []error

	t.mu.Lock()
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener close: %w", err))
		}
		t.listener = nil
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		errs = append(errs, fmt.Errorf("timeout waiting for handlers to finish"))
	}

	t.mu.Lock()
	if t.client != nil {
		if err := t.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("SSH close: %w", err))
		}
		t.client = nil
	}
	t.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("diagnostics tunnel close: %v", errs)
	}
	return nil
}

// acceptLoop accepts connections from the remote listener and spawns
// a handler goroutine for each one.
func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	defer t.cancel() // signal all other goroutines when the loop exits

	for {
		t.mu.Lock()
		listener := t.listener
		t.mu.Unlock()

		if listener == nil {
			return
		}

		remoteConn, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return // clean shutdown
			}
			t.logger.Error("diagnostics tunnel accept: %v", err)
			t.metrics.RecordError(fmt.Sprintf("accept: %v", err))

			if t.config.AutoReconnect {
				if cbErr := t.breaker.Execute(t.reconnect); cbErr != nil {
					t.logger.Error("reconnect failed, giving up: %v", cbErr)
					return
				}
				continue // retry with the new listener
			}
			return
		}

		t.logger.Verbose("diagnostics tunnel: connection from %s", remoteConn.RemoteAddr())
		t.metrics.ConnectionOpened()

		t.wg.Add(1)
		go t.handleConnection(remoteConn)
	}
}
