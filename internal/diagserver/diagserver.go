// Package diagserver exposes a read-only HTTP status endpoint over the
// daemon's metrics.Collector. It has no control-plane effect on the NCT:
// it only observes.
package diagserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/nct-project/nct/internal/metrics"
	"github.com/nct-project/nct/util"
)

// Server serves GET /status with the current metrics.Collector snapshot
// as JSON. It binds to loopback unless addr says otherwise.
type Server struct {
	addr    string
	metrics *metrics.Collector
	log     *util.Logger

	httpSrv  *http.Server
	listener net.Listener
}

// New builds a Server bound to addr (e.g. "127.0.0.1:9980"). It does not
// start listening until Start is called.
func New(addr string, m *metrics.Collector, log *util.Logger) *Server {
	s := &Server{addr: addr, metrics: m, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.metrics.JSON()))
}

// Start binds the listening socket and serves in a background goroutine.
// It returns once the listener is bound, not once serving stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.log != nil {
				s.log.Warn("diagserver: serve: %v", err)
			}
		}
	}()

	if s.log != nil {
		s.log.Info("diagserver: listening on %s", ln.Addr())
	}
	return nil
}

// Addr returns the bound listener's address. Valid only after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down, waiting for in-flight requests to finish.
func (s *Server) Close(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
