package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// BidirectionalCopy shuffles data between a network connection and an
// arbitrary reader/writer pair (typically stdin/stdout) until one side
// reaches EOF or the context is cancelled. Used by the debug RPC client
// to bridge its terminal to the byte-stream endpoint handed out by the
// daemon over the rendezvous socket.
func BidirectionalCopy(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// endpoint -> writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(w, conn)
		errCh <- err
		cancel()
	}()

	// reader -> endpoint
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := io.Copy(conn, r)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
		errCh <- err
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !isHarmless(err) {
			return err
		}
	}
	return nil
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
