package rpcserver

import (
	"net"

	"golang.org/x/sys/unix"
)

// sendFD transmits fd as ancillary data (SCM_RIGHTS) over conn, the
// primitive backing SOCKET's and nc_accept's descriptor handoff.
func sendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	return err
}

// closeLocal closes the daemon's own copy of a descriptor already
// transmitted to the client via sendFD.
func closeLocal(fd int) {
	unix.Close(fd)
}
