// Package wire implements the RPC wire protocol between a client
// interception shim and the daemon: a one-byte opcode tag followed by
// an opcode-specific fixed-layout payload, with no additional framing.
//
// Decode is a single dispatch on the tag, per Design Note 9's
// tagged-variant guidance — there is no generic envelope or length
// prefix to parse around it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies one of the six RPC requests or the one reply tag.
type Opcode byte

const (
	OpSocket  Opcode = 0x01
	OpListen  Opcode = 0x02
	OpBind    Opcode = 0x03
	OpConnect Opcode = 0x04
	OpMap     Opcode = 0x05
	OpMapReq  Opcode = 0x06
	OpRetval  Opcode = 0x07
)

func (op Opcode) String() string {
	switch op {
	case OpSocket:
		return "SOCKET"
	case OpListen:
		return "LISTEN"
	case OpBind:
		return "BIND"
	case OpConnect:
		return "CONNECT"
	case OpMap:
		return "MAP"
	case OpMapReq:
		return "MAP_REQ"
	case OpRetval:
		return "RETVAL"
	default:
		return fmt.Sprintf("OP(0x%02x)", byte(op))
	}
}

// SockAddrIn mirrors the 16-byte sockaddr_in payload carried by BIND
// and CONNECT: address family, port, IPv4 address, and padding, laid
// out host-endian as the shim and daemon share a process family.
type SockAddrIn struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

// Socket is the SOCKET request payload.
type Socket struct {
	Domain   int32
	Type     int32
	Protocol int32
}

// Listen is the LISTEN request payload.
type Listen struct {
	Sockfd  int32
	Backlog int32
}

// Bind is the BIND request payload.
type Bind struct {
	Sockfd  int32
	Addr    SockAddrIn
	AddrLen int32
}

// Connect is the CONNECT request payload. Same layout as Bind.
type Connect struct {
	Sockfd  int32
	Addr    SockAddrIn
	AddrLen int32
}

// Map is the MAP request payload.
type Map struct {
	FD int32
}

// MapReq is the MAP_REQ request payload.
type MapReq struct {
	FD int32
}

// Retval is the NCT->client reply record.
type Retval struct {
	Retval int32
	Errno  int32
}

// byteOrder is host-endian per §6; amd64/arm64 are little-endian, and
// the daemon only targets those, so this is a fixed, explicit choice
// rather than a runtime probe.
var byteOrder = binary.LittleEndian

// Decode reads a single request from r: the one-byte opcode tag
// followed by its fixed-layout payload. It reads exactly the bytes the
// opcode requires and no more, per §4.C.
func Decode(r io.Reader) (Opcode, interface{}, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return 0, nil, err
	}
	op := Opcode(tagBuf[0])

	switch op {
	case OpSocket:
		var v Socket
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	case OpListen:
		var v Listen
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	case OpBind:
		var v Bind
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	case OpConnect:
		var v Connect
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	case OpMap:
		var v Map
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	case OpMapReq:
		var v MapReq
		if err := binary.Read(r, byteOrder, &v); err != nil {
			return op, nil, err
		}
		return op, v, nil
	default:
		return op, nil, fmt.Errorf("wire: unknown opcode 0x%02x", byte(op))
	}
}

// EncodeRetval writes a RETVAL reply: tag byte followed by (retval,
// errno).
func EncodeRetval(w io.Writer, retval, errno int32) error {
	buf := make([]byte, 9)
	buf[0] = byte(OpRetval)
	byteOrder.PutUint32(buf[1:5], uint32(retval))
	byteOrder.PutUint32(buf[5:9], uint32(errno))
	_, err := w.Write(buf)
	return err
}

// DecodeRetval reads a single RETVAL reply: the tag byte (checked)
// followed by (retval, errno). Used by the debug RPC client, which is
// the only caller on the other side of this wire from the daemon.
func DecodeRetval(r io.Reader) (Retval, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Retval{}, err
	}
	if Opcode(tagBuf[0]) != OpRetval {
		return Retval{}, fmt.Errorf("wire: expected RETVAL, got %s", Opcode(tagBuf[0]))
	}
	var v Retval
	if err := binary.Read(r, byteOrder, &v); err != nil {
		return Retval{}, err
	}
	return v, nil
}

// ── client-side request encoders ─────────────────────────────────────
//
// The daemon only ever decodes these (see Decode); the debug RPC
// client is the one caller that encodes them. It sends every opcode
// except MAP_REQ.

func encode(w io.Writer, op Opcode, v interface{}) error {
	if _, err := w.Write([]byte{byte(op)}); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, v)
}

// EncodeSocket writes a SOCKET request.
func EncodeSocket(w io.Writer, v Socket) error { return encode(w, OpSocket, v) }

// EncodeListen writes a LISTEN request.
func EncodeListen(w io.Writer, v Listen) error { return encode(w, OpListen, v) }

// EncodeBind writes a BIND request.
func EncodeBind(w io.Writer, v Bind) error { return encode(w, OpBind, v) }

// EncodeConnect writes a CONNECT request.
func EncodeConnect(w io.Writer, v Connect) error { return encode(w, OpConnect, v) }

// EncodeMap writes a MAP request.
func EncodeMap(w io.Writer, v Map) error { return encode(w, OpMap, v) }

// EncodeMapReq writes a MAP_REQ request.
func EncodeMapReq(w io.Writer, v MapReq) error { return encode(w, OpMapReq, v) }
