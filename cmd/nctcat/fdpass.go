package main

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// recvFD reads one message from conn and returns either a received
// file descriptor (the SOCKET/accept handoff) or a plain byte if no
// ancillary data arrived. Mirrors the daemon's sendFD in reverse.
func recvFD(conn *net.UnixConn) (fd int, gotFD bool, firstByte byte, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, false, 0, err
	}
	if n < 1 {
		return 0, false, 0, fmt.Errorf("nctcat: short read receiving descriptor")
	}
	if oobn == 0 {
		return 0, false, buf[0], nil
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, false, 0, fmt.Errorf("nctcat: parsing control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], true, buf[0], nil
		}
	}
	return 0, false, 0, fmt.Errorf("nctcat: no descriptor in control message")
}
