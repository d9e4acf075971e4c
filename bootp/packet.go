// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bootp implements the BOOTP message format (RFC 951, with
// the RFC 1497 vendor extensions) and a one-shot responder that
// assigns a booting machine an address and names its boot file.
package bootp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrParse reports malformed or truncated wire data.
	ErrParse = errors.New("malformed BOOTP packet")
	// ErrEncoding reports a packet field that cannot be represented
	// on the wire.
	ErrEncoding = errors.New("cannot encode BOOTP packet")
	// ErrProtocol reports a well-formed packet that makes no sense
	// for the exchange in progress.
	ErrProtocol = errors.New("BOOTP protocol violation")
)

func parseErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func encodingErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrEncoding, fmt.Sprintf(format, args...))
}

// OpCode is the BOOTP message direction.
type OpCode byte

// BOOTP operations.
const (
	OpRequest OpCode = 1
	OpReply   OpCode = 2
)

func (o OpCode) String() string {
	switch o {
	case OpRequest:
		return "BOOTREQUEST"
	case OpReply:
		return "BOOTREPLY"
	default:
		return fmt.Sprintf("OpCode(%d)", byte(o))
	}
}

// Field offsets and widths of the fixed BOOTP header. All multi-byte
// integers are big-endian.
const (
	offOp     = 0   // 1 byte
	offHType  = 1   // 1 byte
	offHLen   = 2   // 1 byte
	offHops   = 3   // 1 byte
	offXID    = 4   // 4 bytes
	offSecs   = 8   // 2 bytes
	offFlags  = 10  // 2 bytes
	offCIAddr = 12  // 4 bytes
	offYIAddr = 16  // 4 bytes
	offSIAddr = 20  // 4 bytes
	offGIAddr = 24  // 4 bytes
	offCHAddr = 28  // 16 bytes
	offSName  = 44  // 64 bytes
	offFile   = 108 // 128 bytes

	chaddrLen = 16
	snameLen  = 64
	fileLen   = 128

	// HeaderLen is the size of the fixed part of a BOOTP packet.
	HeaderLen = 236
)

// HardwareTypeEthernet is the ARP hardware type of 10Mb ethernet,
// which every ethernet-like link reports.
const HardwareTypeEthernet = 1

// Packet is a BOOTP message.
type Packet struct {
	Op            OpCode
	HardwareType  byte
	Hops          byte
	TransactionID uint32
	Secs          uint16
	Flags         uint16

	// ClientAddr is ciaddr, filled in by a client that already knows
	// its address.
	ClientAddr net.IP
	// YourAddr is yiaddr, the address assigned to the client.
	YourAddr net.IP
	// ServerAddr is siaddr, the server to fetch the boot file from.
	ServerAddr net.IP
	// RelayAddr is giaddr, the relay agent or gateway address.
	RelayAddr net.IP

	// HardwareAddr is chaddr, truncated to hlen bytes. Its length is
	// what goes on the wire as hlen.
	HardwareAddr net.HardwareAddr

	ServerName   string
	BootFilename string

	Options Options
}

// Marshal returns the wire encoding of p.
func (p *Packet) Marshal() ([]byte, error) {
	ret := make([]byte, HeaderLen, HeaderLen+minOptionsLen)

	if len(p.HardwareAddr) > chaddrLen {
		return nil, encodingErrorf("hardware address %s is longer than %d bytes", p.HardwareAddr, chaddrLen)
	}

	ret[offOp] = byte(p.Op)
	ret[offHType] = p.HardwareType
	ret[offHLen] = byte(len(p.HardwareAddr))
	ret[offHops] = p.Hops
	binary.BigEndian.PutUint32(ret[offXID:], p.TransactionID)
	binary.BigEndian.PutUint16(ret[offSecs:], p.Secs)
	binary.BigEndian.PutUint16(ret[offFlags:], p.Flags)

	for _, f := range []struct {
		name string
		off  int
		ip   net.IP
	}{
		{"ciaddr", offCIAddr, p.ClientAddr},
		{"yiaddr", offYIAddr, p.YourAddr},
		{"siaddr", offSIAddr, p.ServerAddr},
		{"giaddr", offGIAddr, p.RelayAddr},
	} {
		if err := putIP(ret[f.off:f.off+net.IPv4len], f.ip); err != nil {
			return nil, encodingErrorf("%s: %s", f.name, err)
		}
	}

	copy(ret[offCHAddr:offCHAddr+chaddrLen], p.HardwareAddr)

	if err := putString(ret[offSName:offSName+snameLen], p.ServerName); err != nil {
		return nil, encodingErrorf("sname: %s", err)
	}
	if err := putString(ret[offFile:offFile+fileLen], p.BootFilename); err != nil {
		return nil, encodingErrorf("file: %s", err)
	}

	opts, err := p.Options.Marshal()
	if err != nil {
		return nil, err
	}
	return append(ret, opts...), nil
}

// Unmarshal parses a BOOTP packet from bs.
func Unmarshal(bs []byte) (*Packet, error) {
	if len(bs) < HeaderLen+len(magic) {
		return nil, parseErrorf("packet is %d bytes, need at least %d", len(bs), HeaderLen+len(magic))
	}

	hlen := int(bs[offHLen])
	if hlen > chaddrLen {
		return nil, parseErrorf("invalid hlen %d, chaddr is only %d bytes", hlen, chaddrLen)
	}

	ret := &Packet{
		Op:            OpCode(bs[offOp]),
		HardwareType:  bs[offHType],
		Hops:          bs[offHops],
		TransactionID: binary.BigEndian.Uint32(bs[offXID:]),
		Secs:          binary.BigEndian.Uint16(bs[offSecs:]),
		Flags:         binary.BigEndian.Uint16(bs[offFlags:]),
		ClientAddr:    getIP(bs[offCIAddr:]),
		YourAddr:      getIP(bs[offYIAddr:]),
		ServerAddr:    getIP(bs[offSIAddr:]),
		RelayAddr:     getIP(bs[offGIAddr:]),
		HardwareAddr:  net.HardwareAddr(append([]byte(nil), bs[offCHAddr:offCHAddr+hlen]...)),
		Options:       make(Options),
	}

	var err error
	if ret.ServerName, err = getString(bs[offSName : offSName+snameLen]); err != nil {
		return nil, parseErrorf("sname: %s", err)
	}
	if ret.BootFilename, err = getString(bs[offFile : offFile+fileLen]); err != nil {
		return nil, parseErrorf("file: %s", err)
	}

	if err = ret.Options.Unmarshal(bs[HeaderLen:]); err != nil {
		return nil, err
	}

	return ret, nil
}

// DebugString prints the contents of a packet for debugging.
func (p *Packet) DebugString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Op: %s\n", p.Op)
	fmt.Fprintf(&b, "HardwareType: %d\n", p.HardwareType)
	fmt.Fprintf(&b, "Hops: %d\n", p.Hops)
	fmt.Fprintf(&b, "TransactionID: %08x\n", p.TransactionID)
	fmt.Fprintf(&b, "Secs: %d\n", p.Secs)
	fmt.Fprintf(&b, "Flags: %04x\n", p.Flags)
	fmt.Fprintf(&b, "ClientAddr: %s\n", p.ClientAddr)
	fmt.Fprintf(&b, "YourAddr: %s\n", p.YourAddr)
	fmt.Fprintf(&b, "ServerAddr: %s\n", p.ServerAddr)
	fmt.Fprintf(&b, "RelayAddr: %s\n", p.RelayAddr)
	fmt.Fprintf(&b, "HardwareAddr: %s\n", p.HardwareAddr)
	fmt.Fprintf(&b, "ServerName: %q\n", p.ServerName)
	fmt.Fprintf(&b, "BootFilename: %q\n", p.BootFilename)
	for _, n := range p.Options.codes() {
		fmt.Fprintf(&b, "Option %d (%s): % x\n", byte(n), n, p.Options[n])
	}
	return b.String()
}

func putIP(dst []byte, ip net.IP) error {
	if ip == nil {
		return nil
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("%s is not an IPv4 address", ip)
	}
	copy(dst, ip4)
	return nil
}

func getIP(bs []byte) net.IP {
	return net.IP(append([]byte(nil), bs[:net.IPv4len]...))
}

// putString writes s NUL-terminated into the fixed-width field dst.
func putString(dst []byte, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%q contains a NUL byte", s)
	}
	if len(s) >= len(dst) {
		return fmt.Errorf("%q does not fit in %d bytes with its terminator", s, len(dst))
	}
	copy(dst, s)
	return nil
}

func getString(bs []byte) (string, error) {
	i := bytes.IndexByte(bs, 0)
	if i < 0 {
		return "", errors.New("string is not NUL-terminated")
	}
	return string(bs[:i]), nil
}
