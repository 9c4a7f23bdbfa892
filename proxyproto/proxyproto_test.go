package proxyproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func buildV2(cmd, fam byte, addr []byte) []byte {
	var buf bytes.Buffer
	buf.Write(signature)
	buf.WriteByte(0x20 | cmd)
	buf.WriteByte(fam)
	var ln [2]byte
	binary.BigEndian.PutUint16(ln[:], uint16(len(addr)))
	buf.Write(ln[:])
	buf.Write(addr)
	return buf.Bytes()
}

func TestReadHeaderTCP4(t *testing.T) {
	addr := make([]byte, 12)
	copy(addr[0:4], net.ParseIP("10.1.2.3").To4())
	copy(addr[4:8], net.ParseIP("10.9.9.9").To4())
	binary.BigEndian.PutUint16(addr[8:10], 5555)
	binary.BigEndian.PutUint16(addr[10:12], 25)

	data := buildV2(0x01, 0x11, addr)
	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !hdr.SourceIP.Equal(net.ParseIP("10.1.2.3")) {
		t.Errorf("SourceIP = %v", hdr.SourceIP)
	}
	if !hdr.DestIP.Equal(net.ParseIP("10.9.9.9")) {
		t.Errorf("DestIP = %v", hdr.DestIP)
	}
	if hdr.SourcePort != 5555 || hdr.DestPort != 25 {
		t.Errorf("ports = %d/%d", hdr.SourcePort, hdr.DestPort)
	}
	if hdr.Local {
		t.Error("PROXY command should not report Local")
	}
}

func TestReadHeaderLocal(t *testing.T) {
	data := buildV2(0x00, 0x00, nil)
	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !hdr.Local {
		t.Error("LOCAL command should report Local")
	}
}

func TestReadHeaderNotProxy(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("EHLO example.com\r\n")))
	if _, err := ReadHeader(r); err != ErrNotProxy {
		t.Errorf("err = %v, want ErrNotProxy", err)
	}
}

func TestReadHeaderTCP6(t *testing.T) {
	addr := make([]byte, 36)
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2001:db8::2")
	copy(addr[0:16], src.To16())
	copy(addr[16:32], dst.To16())
	binary.BigEndian.PutUint16(addr[32:34], 1234)
	binary.BigEndian.PutUint16(addr[34:36], 993)

	data := buildV2(0x01, 0x21, addr)
	r := bufio.NewReader(bytes.NewReader(data))
	hdr, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !hdr.SourceIP.Equal(src) || !hdr.DestIP.Equal(dst) {
		t.Errorf("got source=%v dest=%v", hdr.SourceIP, hdr.DestIP)
	}
}
