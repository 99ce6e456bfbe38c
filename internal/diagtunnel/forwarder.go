package diagtunnel

// forwarder.go - connection bridging between a remote-gateway client
// and the local diagserver.

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// handleConnection bridges a single remote connection to the local
// diagserver's status endpoint.
func (t *Tunnel) handleConnection(remoteConn net.Conn) {
	defer t.wg.Done()
	defer remoteConn.Close()
	defer t.metrics.ConnectionClosed()

	start := time.Now()
	remoteAddr := remoteConn.RemoteAddr().String()

	localTarget := net.JoinHostPort(t.config.LocalAddress, fmt.Sprintf("%d", t.config.LocalPort))
	localConn, err := net.DialTimeout("tcp", localTarget, 5*time.Second)
	if err != nil {
		t.logger.Error("diagnostics tunnel: local dial %s failed: %v", localTarget, err)
		t.metrics.RecordError(fmt.Sprintf("local dial %s: %v", localTarget, err))
		return
	}
	defer localConn.Close()

	t.logger.Info("diagnostics tunnel: bridging %s <-> %s", remoteAddr, localTarget)

	bridgeConns(t.ctx, remoteConn, localConn)

	t.logger.Info("diagnostics tunnel: %s closed after %v",
		remoteAddr, time.Since(start).Truncate(time.Millisecond))
}

// bridgeConns copies data bidirectionally between two connections
// until one side closes or the context is cancelled.
func bridgeConns(ctx context.Context, a, b net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(b, a) //nolint:errcheck
		cancel()
	}()

	go func() {
		defer wg.Done()
		io.Copy(a, b) //nolint:errcheck
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
}
