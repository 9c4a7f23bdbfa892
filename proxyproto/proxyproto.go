// Package proxyproto parses the PROXY protocol v2 preamble that a load
// balancer or HAProxy may send before the first byte of real protocol
// data, carrying the original client's addresses so they can stand in for
// the proxy's own.
package proxyproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

var signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

var ErrNotProxy = errors.New("proxyproto: no PROXY v2 signature")

const (
	famUnspec = 0x00
	famTCP4   = 0x11
	famTCP6   = 0x21
	famUnix   = 0x31 // Local address family; treated as LOCAL below, ignored.
)

// Header is the decoded result of a PROXY v2 preamble.
type Header struct {
	Local     bool // LOCAL command: connection was made by the proxy itself, not proxied traffic.
	SourceIP  net.IP
	SourcePort uint16
	DestIP    net.IP
	DestPort  uint16
}

// ReadHeader consumes a PROXY protocol v2 preamble from r, if one is
// present. It must be called before any other protocol bytes are read. The
// 16-byte fixed header plus len(address info) bytes are consumed from r.
func ReadHeader(r *bufio.Reader) (Header, error) {
	sig, err := r.Peek(len(signature))
	if err != nil {
		return Header{}, err
	}
	for i, b := range signature {
		if sig[i] != b {
			return Header{}, ErrNotProxy
		}
	}

	fixed := make([]byte, 16)
	if _, err := readFull(r, fixed); err != nil {
		return Header{}, err
	}

	verCmd := fixed[12]
	version := verCmd >> 4
	cmd := verCmd & 0x0f
	if version != 2 {
		return Header{}, fmt.Errorf("proxyproto: unsupported version %d", version)
	}

	famProto := fixed[13]
	addrLen := binary.BigEndian.Uint16(fixed[14:16])

	addr := make([]byte, addrLen)
	if _, err := readFull(r, addr); err != nil {
		return Header{}, err
	}

	if cmd == 0x00 {
		// LOCAL: health check or similar, from the proxy itself. Noted and
		// ignored; caller keeps the real connection's addresses.
		return Header{Local: true}, nil
	}
	if cmd != 0x01 {
		return Header{}, fmt.Errorf("proxyproto: unknown command %#x", cmd)
	}

	switch famProto {
	case famTCP4:
		if len(addr) < 12 {
			return Header{}, errors.New("proxyproto: short TCPv4 address block")
		}
		return Header{
			SourceIP:   net.IP(addr[0:4]),
			DestIP:     net.IP(addr[4:8]),
			SourcePort: binary.BigEndian.Uint16(addr[8:10]),
			DestPort:   binary.BigEndian.Uint16(addr[10:12]),
		}, nil
	case famTCP6:
		if len(addr) < 36 {
			return Header{}, errors.New("proxyproto: short TCPv6 address block")
		}
		return Header{
			SourceIP:   net.IP(addr[0:16]),
			DestIP:     net.IP(addr[16:32]),
			SourcePort: binary.BigEndian.Uint16(addr[32:34]),
			DestPort:   binary.BigEndian.Uint16(addr[34:36]),
		}, nil
	case famUnix, famUnspec:
		// Unix socket or unspecified: no usable address info, but a valid
		// preamble. Treat as LOCAL-like: keep the real connection's addresses.
		return Header{Local: true}, nil
	default:
		return Header{}, fmt.Errorf("proxyproto: unknown address family %#x", famProto)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
