// Command nctcat is a debug client for the Network Containment Tap's
// rendezvous protocol: it drives the SOCKET, MAP, BIND, LISTEN and
// CONNECT opcodes of §6 directly,
// the way the "nc" in netcat drives raw TCP, instead of going through
// a real interception shim.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/nct-project/nct/internal/rpcserver"
	"github.com/nct-project/nct/internal/wire"
	"github.com/nct-project/nct/util"
)

var version = "1.0.0" //nolint:gochecknoglobals

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nctcat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("nctcat", flag.ContinueOnError)

	network := fs.StringP("network", "n", "", "Network id, 16 hex digits (required)")
	dir := fs.String("rendezvous-dir", "/tmp", "Directory the rendezvous socket lives in")
	listen := fs.BoolP("listen", "l", false, "Listen mode: bind and accept one connection")
	backlog := fs.Int("backlog", 1, "Listen backlog (with -l)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nctcat -n <network-id> [options] <host> <port>\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("nctcat %s\n", version)
		return nil
	}
	if *network == "" {
		return fmt.Errorf("-n/--network is required")
	}

	id, err := util.ParseNetworkID(*network)
	if err != nil {
		return err
	}
	path := rpcserver.RendezvousPath(*dir, id)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("rendezvous socket %s: %w", path, err)
	}
	sess, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", path, err)
	}
	defer sess.Close()

	if *listen {
		rest := fs.Args()
		if len(rest) != 1 {
			return fmt.Errorf("listen mode takes exactly one argument: <port>")
		}
		return runListen(ctx, sess, rest[0], *backlog)
	}

	rest := fs.Args()
	if len(rest) != 2 {
		return fmt.Errorf("connect mode takes exactly two arguments: <host> <port>")
	}
	return runConnect(ctx, sess, rest[0], rest[1])
}

// socketRequest issues a SOCKET request and returns the fd the daemon
// handed back (the client-visible end of a fresh stream pair), per
// §6 scenario 1.
func socketRequest(sess *net.UnixConn) (int, error) {
	if err := wire.EncodeSocket(sess, wire.Socket{Domain: unix.AF_INET, Type: unix.SOCK_STREAM, Protocol: 0}); err != nil {
		return 0, fmt.Errorf("SOCKET: %w", err)
	}
	fd, gotFD, first, err := recvFD(sess)
	if err != nil {
		return 0, fmt.Errorf("SOCKET: reading reply: %w", err)
	}
	if !gotFD {
		if first == byte(wire.OpRetval) {
			// recvFD already consumed the RETVAL tag; only the
			// (retval, errno) pair remains on the session.
			var rv wire.Retval
			if err := binary.Read(sess, binary.LittleEndian, &rv); err != nil {
				return 0, fmt.Errorf("SOCKET: %w", err)
			}
			return 0, fmt.Errorf("SOCKET failed: retval=%d errno=%d", rv.Retval, rv.Errno)
		}
		return 0, fmt.Errorf("SOCKET: expected a descriptor, got byte 0x%02x", first)
	}
	return fd, nil
}

// mapFD registers fd as the client's own name for the connection the
// daemon just handed out, per §6's MAP handshake.
func mapFD(sess *net.UnixConn, fd int) error {
	if err := wire.EncodeMap(sess, wire.Map{FD: int32(fd)}); err != nil {
		return fmt.Errorf("MAP: %w", err)
	}
	rv, err := wire.DecodeRetval(sess)
	if err != nil {
		return fmt.Errorf("MAP: %w", err)
	}
	if rv.Retval != 0 {
		return fmt.Errorf("MAP failed: retval=%d errno=%d", rv.Retval, rv.Errno)
	}
	return nil
}

func sockAddr(host string, port int) (wire.SockAddrIn, error) {
	ip, err := util.ParseIPv4(host)
	if err != nil {
		return wire.SockAddrIn{}, err
	}
	var addr [4]byte
	copy(addr[:], ip.To4())
	return wire.SockAddrIn{Family: unix.AF_INET, Port: uint16(port), Addr: addr}, nil
}

func runConnect(ctx context.Context, sess *net.UnixConn, host, portStr string) error {
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}

	fd, err := socketRequest(sess)
	if err != nil {
		return err
	}
	if err := mapFD(sess, fd); err != nil {
		unix.Close(fd)
		return err
	}

	addr, err := sockAddr(host, port)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := wire.EncodeConnect(sess, wire.Connect{Sockfd: int32(fd), Addr: addr, AddrLen: 16}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("CONNECT: %w", err)
	}

	// RPC_CONNECT's reply is deferred until the stack resolves the
	// handshake (§4.G), delivered asynchronously on this same session.
	rv, err := wire.DecodeRetval(sess)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("CONNECT: %w", err)
	}
	if rv.Retval != 0 {
		unix.Close(fd)
		return fmt.Errorf("CONNECT failed: errno=%d", rv.Errno)
	}

	return pipeFD(ctx, fd)
}

func runListen(ctx context.Context, sess *net.UnixConn, portStr string, backlog int) error {
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}

	fd, err := socketRequest(sess)
	if err != nil {
		return err
	}
	if err := mapFD(sess, fd); err != nil {
		unix.Close(fd)
		return err
	}

	addr, err := sockAddr("0.0.0.0", port)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := wire.EncodeBind(sess, wire.Bind{Sockfd: int32(fd), Addr: addr, AddrLen: 16}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("BIND: %w", err)
	}
	if rv, err := wire.DecodeRetval(sess); err != nil {
		unix.Close(fd)
		return fmt.Errorf("BIND: %w", err)
	} else if rv.Retval != 0 {
		unix.Close(fd)
		return fmt.Errorf("BIND failed: errno=%d", rv.Errno)
	}

	if err := wire.EncodeListen(sess, wire.Listen{Sockfd: int32(fd), Backlog: int32(backlog)}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("LISTEN: %w", err)
	}
	if rv, err := wire.DecodeRetval(sess); err != nil {
		unix.Close(fd)
		return fmt.Errorf("LISTEN: %w", err)
	} else if rv.Retval != 0 {
		unix.Close(fd)
		return fmt.Errorf("LISTEN failed: errno=%d", rv.Errno)
	}

	// The accept sentinel arrives as one byte on the listening fd
	// itself; the new connection's descriptor arrives by SCM_RIGHTS
	// over the session, per nc_accept (§4.G).
	listenFile := os.NewFile(uintptr(fd), "listener")
	defer listenFile.Close()

	sentinel := make([]byte, 1)
	if _, err := listenFile.Read(sentinel); err != nil {
		return fmt.Errorf("waiting for accept: %w", err)
	}

	childFD, gotFD, _, err := recvFD(sess)
	if err != nil {
		return fmt.Errorf("accept: reading child descriptor: %w", err)
	}
	if !gotFD {
		return fmt.Errorf("accept: expected a child descriptor")
	}
	if err := mapFD(sess, childFD); err != nil {
		unix.Close(childFD)
		return err
	}

	return pipeFD(ctx, childFD)
}

// pipeFD wraps fd as a net.Conn and bridges it to stdio until either
// side closes or ctx is canceled.
func pipeFD(ctx context.Context, fd int) error {
	f := os.NewFile(uintptr(fd), "endpoint")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("wrapping endpoint: %w", err)
	}
	defer conn.Close()

	return util.BidirectionalCopy(ctx, conn, os.Stdin, os.Stdout)
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

