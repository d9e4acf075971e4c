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

package bootp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
)

// magic marks the vendor area as an RFC 1497 option list rather than
// legacy vendor data.
var magic = []byte{0x63, 0x82, 0x53, 0x63}

const (
	optPad = 0
	optEnd = 255

	// minOptionsLen is the width of the BOOTP vendor extensions field
	// from RFC 951. Clients that predate DHCP reject shorter packets.
	minOptionsLen = 64
)

// OptionCode identifies a BOOTP/DHCP option.
type OptionCode byte

// Options that the boot handshake and common PXE firmwares use. Codes
// not listed here are still carried, as raw bytes.
const (
	OptSubnetMask         OptionCode = 1
	OptRouter             OptionCode = 3
	OptHostname           OptionCode = 12
	OptBootFileSize       OptionCode = 13
	OptDomainName         OptionCode = 15
	OptVendorSpecific     OptionCode = 43
	OptRequestedIP        OptionCode = 50
	OptLeaseTime          OptionCode = 51
	OptMessageType        OptionCode = 53
	OptServerIdentifier   OptionCode = 54
	OptParameterRequest   OptionCode = 55
	OptMaxMessageSize     OptionCode = 57
	OptVendorIdentifier   OptionCode = 60
	OptClientIdentifier   OptionCode = 61
	OptTFTPServerName     OptionCode = 66
	OptBootFileName       OptionCode = 67
	OptClientArchitecture OptionCode = 93
	OptClientNetworkIface OptionCode = 94
	OptClientGUID         OptionCode = 97
)

var optionNames = map[OptionCode]string{
	OptSubnetMask:         "SubnetMask",
	OptRouter:             "Router",
	OptHostname:           "Hostname",
	OptBootFileSize:       "BootFileSize",
	OptDomainName:         "DomainName",
	OptVendorSpecific:     "VendorSpecific",
	OptRequestedIP:        "RequestedIP",
	OptLeaseTime:          "LeaseTime",
	OptMessageType:        "MessageType",
	OptServerIdentifier:   "ServerIdentifier",
	OptParameterRequest:   "ParameterRequest",
	OptMaxMessageSize:     "MaxMessageSize",
	OptVendorIdentifier:   "VendorIdentifier",
	OptClientIdentifier:   "ClientIdentifier",
	OptTFTPServerName:     "TFTPServerName",
	OptBootFileName:       "BootFileName",
	OptClientArchitecture: "ClientArchitecture",
	OptClientNetworkIface: "ClientNetworkInterface",
	OptClientGUID:         "ClientGUID",
}

// Known reports whether c is one of the named option codes.
func (c OptionCode) Known() bool {
	_, ok := optionNames[c]
	return ok
}

func (c OptionCode) String() string {
	if n, ok := optionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Option(%d)", byte(c))
}

// Options stores BOOTP options, keyed by option code.
type Options map[OptionCode][]byte

// Unmarshal parses the vendor area bs, magic included, into o.
func (o Options) Unmarshal(bs []byte) error {
	if len(bs) < len(magic) || !bytes.Equal(bs[:len(magic)], magic) {
		return parseErrorf("options field does not start with the options magic")
	}
	bs = bs[len(magic):]

	for len(bs) > 0 {
		opt := OptionCode(bs[0])
		switch opt {
		case optPad:
			bs = bs[1:]
		case optEnd:
			return nil
		default:
			// RFC 3396 option concatenation is not supported.
			if _, ok := o[opt]; ok {
				return parseErrorf("packet has duplicate option %d", opt)
			}
			if len(bs) < 2 {
				return parseErrorf("option %d has no length byte", opt)
			}
			l := int(bs[1])
			if len(bs[2:]) < l {
				return parseErrorf("option %d claims to have %d bytes of payload, but only has %d bytes", opt, l, len(bs[2:]))
			}
			o[opt] = append([]byte(nil), bs[2:2+l]...)
			bs = bs[2+l:]
		}
	}

	return parseErrorf("options are not terminated by a 255 byte")
}

// Marshal returns the wire encoding of o, including the options magic
// and the end marker, padded to the legacy vendor area width.
func (o Options) Marshal() ([]byte, error) {
	var ret bytes.Buffer
	if err := o.MarshalTo(&ret); err != nil {
		return nil, err
	}
	return ret.Bytes(), nil
}

// MarshalTo serializes o into w.
func (o Options) MarshalTo(w io.Writer) error {
	ks := o.codes()
	for _, n := range ks {
		if n == optPad || n == optEnd {
			return encodingErrorf("invalid option code %d", n)
		}
		if len(o[n]) > 255 {
			return encodingErrorf("option %d has value >255 bytes", n)
		}
	}

	var b bytes.Buffer
	b.Write(magic)
	for _, n := range ks {
		opt := o[n]
		b.Write([]byte{byte(n), byte(len(opt))})
		b.Write(opt)
	}
	b.WriteByte(optEnd)
	if b.Len() < minOptionsLen {
		b.Write(make([]byte, minOptionsLen-b.Len()))
	}

	_, err := w.Write(b.Bytes())
	return err
}

// codes returns the option codes present in o, in ascending order.
func (o Options) codes() []OptionCode {
	ret := make([]OptionCode, 0, len(o))
	for n := range o {
		ret = append(ret, n)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Copy returns a shallow copy of o.
func (o Options) Copy() Options {
	ret := make(Options, len(o))
	for k, v := range o {
		ret[k] = v
	}
	return ret
}

// Byte returns the value of single-byte option n, if the option value
// is indeed a single byte.
func (o Options) Byte(n OptionCode) (byte, bool) {
	v := o[n]
	if v == nil || len(v) != 1 {
		return 0, false
	}
	return v[0], true
}

// Uint16 returns the value of option n as a big-endian uint16.
func (o Options) Uint16(n OptionCode) (uint16, bool) {
	v := o[n]
	if v == nil || len(v) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// IP returns the value of option n as an IPv4 address.
func (o Options) IP(n OptionCode) (net.IP, bool) {
	v := o[n]
	if v == nil || len(v) != net.IPv4len {
		return nil, false
	}
	return net.IP(v), true
}

// Text returns the value of option n as a string, with any trailing
// NUL stripped.
func (o Options) Text(n OptionCode) (string, bool) {
	v, ok := o[n]
	if !ok {
		return "", false
	}
	return string(bytes.TrimRight(v, "\x00")), true
}
