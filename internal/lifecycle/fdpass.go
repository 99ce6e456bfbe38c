package lifecycle

import (
	"net"

	"golang.org/x/sys/unix"
)

// sendFD transmits fd as ancillary data (SCM_RIGHTS) over conn,
// alongside a single placeholder byte — Unix datagram/stream sockets
// require at least one byte of regular data to carry ancillary data.
// Used by nc_accept to hand a newly accepted connection's
// client-visible descriptor to the shim outside the normal RPC
// request/reply flow.
func sendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	return err
}
