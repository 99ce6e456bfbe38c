package diagtunnel

// health.go - keepalive and reconnection helpers for the
// diagnostics tunnel.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	nctErrors "github.com/nct-project/nct/internal/errors"
	"github.com/nct-project/nct/internal/retry"
)

// keepaliveLoop sends periodic SSH keep-alive requests and closes the
// listener if the connection has died, letting acceptLoop handle
// reconnection.
func (t *Tunnel) keepaliveLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			client := t.client
			t.mu.Unlock()

			if client == nil {
				t.logger.Debug("SSH keepalive: %v", nctErrors.ErrNotConnected)
				return
			}

			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				t.logger.Error("SSH keepalive failed: %v", err)
				t.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				t.mu.Lock()
				if t.listener != nil {
					t.listener.Close()
					t.listener = nil
				}
				t.mu.Unlock()
				return
			}
			t.metrics.RecordHealthCheck()
			t.logger.Debug("SSH keepalive OK")
		}
	}
}

// reconnect tears down the current tunnel and re-establishes it,
// retrying with exponential backoff via [retry.Backoff]. It is only
// called (through the circuit breaker) from acceptLoop.
func (t *Tunnel) reconnect() error {
	t.logger.Info("diagnostics tunnel: reconnecting...")
	t.metrics.TunnelReconnect()

	t.mu.Lock()
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	t.mu.Unlock()

	b := retry.DefaultBackoff()
	var client *ssh.Client
	var listener net.Listener

	err := b.Do(t.ctx, func(attempt int) error {
		c, err := t.dialSSH(t.ctx)
		if err != nil {
			t.logger.Error("reconnect attempt %d SSH: %v", attempt, err)
			t.metrics.RecordError(fmt.Sprintf("reconnect SSH attempt %d: %v", attempt, err))
			return err
		}

		l, err := listenRemoteForward(c, t.config.RemoteBindAddress, t.config.RemotePort)
		if err != nil {
			t.logger.Error("reconnect attempt %d listen: %v", attempt, err)
			t.metrics.RecordError(fmt.Sprintf("reconnect listen attempt %d: %v", attempt, err))
			c.Close()
			return err
		}

		client, listener = c, l
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("reconnect: %w: %v", nctErrors.ErrTimeout, err)
		}
		return fmt.Errorf("reconnect: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info("diagnostics tunnel: reconnected successfully")

	if t.config.KeepAliveInterval > 0 {
		t.wg.Add(1)
		go t.keepaliveLoop()
	}

	return nil
}
