package netstack

import "errors"

// Sentinel errors returned by translateStackError, one per distinct
// errno the nc_err table of §4.G maps a stack failure onto.
// internal/lifecycle matches against these with errors.Is to produce
// the RETVAL errno the client sees.
var (
	errNoBuf       = errors.New("stack: no buffer space (ENOBUFS)")
	errTimedOut    = errors.New("stack: operation timed out (ETIMEDOUT)")
	errNetUnreach  = errors.New("stack: network unreachable (ENETUNREACH)")
	errInProgress  = errors.New("stack: connection attempt in progress (EINPROGRESS)")
	errInval       = errors.New("stack: invalid argument (EINVAL)")
	errWouldBlock  = errors.New("stack: operation would block (EWOULDBLOCK)")
	errAddrInUse   = errors.New("stack: address in use (EADDRINUSE)")
	errIsConn      = errors.New("stack: endpoint already connected (EISCONN)")
	errConnRefused = errors.New("stack: connection refused (ECONNREFUSED)")
)

// ErrNoBuf, ErrTimedOut, etc. re-export the unexported sentinels above
// so internal/lifecycle can match them with errors.Is without this
// package exposing its internal pcb bookkeeping.
var (
	ErrNoBuf       = errNoBuf
	ErrTimedOut    = errTimedOut
	ErrNetUnreach  = errNetUnreach
	ErrInProgress  = errInProgress
	ErrInval       = errInval
	ErrWouldBlock  = errWouldBlock
	ErrAddrInUse   = errAddrInUse
	ErrIsConn      = errIsConn
	ErrConnRefused = errConnRefused
)
