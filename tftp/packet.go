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

// Package tftp implements the read side of TFTP (RFC 1350), with the
// blksize option (RFC 2347, RFC 2348), for serving a boot file to one
// client at a time.
package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrParse reports malformed or truncated wire data.
	ErrParse = errors.New("malformed TFTP packet")
	// ErrEncoding reports a packet that cannot be represented on the
	// wire.
	ErrEncoding = errors.New("cannot encode TFTP packet")
	// ErrProtocol reports a well-formed packet that is not valid at
	// this point of the transfer.
	ErrProtocol = errors.New("TFTP protocol violation")
	// ErrTimeout reports a transfer abandoned after the peer stopped
	// acknowledging.
	ErrTimeout = errors.New("TFTP peer stopped responding")
)

func parseErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func encodingErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrEncoding, fmt.Sprintf(format, args...))
}

// Opcode is the leading 16-bit field of every TFTP packet.
type Opcode uint16

// TFTP opcodes.
const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpData  Opcode = 3
	OpAck   Opcode = 4
	OpError Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// ErrorCode is the code carried by an ERROR packet.
type ErrorCode uint16

// Error codes from RFC 1350 and RFC 2347.
const (
	ErrCodeNotDefined        ErrorCode = 0
	ErrCodeFileNotFound      ErrorCode = 1
	ErrCodeAccessViolation   ErrorCode = 2
	ErrCodeDiskFull          ErrorCode = 3
	ErrCodeIllegalOperation  ErrorCode = 4
	ErrCodeUnknownTID        ErrorCode = 5
	ErrCodeFileExists        ErrorCode = 6
	ErrCodeNoSuchUser        ErrorCode = 7
	ErrCodeOptionNegotiation ErrorCode = 8
)

// OptBlockSize is the option name for the block size (RFC 2348).
const OptBlockSize = "blksize"

// Packet is one of ReadRequest, WriteRequest, Data, Ack, ErrorPacket
// or OptionAck.
type Packet interface {
	Opcode() Opcode
	isPacket()
}

// ReadRequest asks to download Filename.
type ReadRequest struct {
	Filename string
	Mode     string
	// BlockSize is the requested blksize option, or 0 if none.
	BlockSize int
}

// WriteRequest asks to upload Filename.
type WriteRequest struct {
	Filename  string
	Mode      string
	BlockSize int
}

// Data carries one block of the file.
type Data struct {
	Block   uint16
	Payload []byte
}

// Ack acknowledges a Data block, or an OptionAck when Block is 0.
type Ack struct {
	Block uint16
}

// ErrorPacket aborts a transfer.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// OptionAck acknowledges the options of a request.
type OptionAck struct {
	Options map[string]string
}

func (*ReadRequest) Opcode() Opcode  { return OpRRQ }
func (*WriteRequest) Opcode() Opcode { return OpWRQ }
func (*Data) Opcode() Opcode         { return OpData }
func (*Ack) Opcode() Opcode          { return OpAck }
func (*ErrorPacket) Opcode() Opcode  { return OpError }
func (*OptionAck) Opcode() Opcode    { return OpOACK }

func (*ReadRequest) isPacket()  {}
func (*WriteRequest) isPacket() {}
func (*Data) isPacket()         {}
func (*Ack) isPacket()          {}
func (*ErrorPacket) isPacket()  {}
func (*OptionAck) isPacket()    {}

// Marshal returns the wire encoding of p.
func Marshal(p Packet) ([]byte, error) {
	var b bytes.Buffer
	switch p := p.(type) {
	case *ReadRequest:
		if p == nil {
			break
		}
		return marshalRequest(OpRRQ, p.Filename, p.Mode, p.BlockSize)
	case *WriteRequest:
		if p == nil {
			break
		}
		return marshalRequest(OpWRQ, p.Filename, p.Mode, p.BlockSize)
	case *Data:
		if p == nil {
			break
		}
		b.Grow(4 + len(p.Payload))
		writeUint16(&b, uint16(OpData))
		writeUint16(&b, p.Block)
		b.Write(p.Payload)
		return b.Bytes(), nil
	case *Ack:
		if p == nil {
			break
		}
		writeUint16(&b, uint16(OpAck))
		writeUint16(&b, p.Block)
		return b.Bytes(), nil
	case *ErrorPacket:
		if p == nil {
			break
		}
		writeUint16(&b, uint16(OpError))
		writeUint16(&b, uint16(p.Code))
		if err := writeString(&b, p.Message); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case *OptionAck:
		if p == nil {
			break
		}
		writeUint16(&b, uint16(OpOACK))
		names := make([]string, 0, len(p.Options))
		for k := range p.Options {
			names = append(names, k)
		}
		sort.Strings(names)
		seen := map[string]bool{}
		for _, k := range names {
			if k == "" {
				return nil, encodingErrorf("empty option name")
			}
			if seen[strings.ToLower(k)] {
				return nil, encodingErrorf("duplicate option %q", k)
			}
			seen[strings.ToLower(k)] = true
			if err := writeString(&b, k); err != nil {
				return nil, err
			}
			if err := writeString(&b, p.Options[k]); err != nil {
				return nil, err
			}
		}
		return b.Bytes(), nil
	}
	return nil, encodingErrorf("unknown packet %#v", p)
}

func marshalRequest(op Opcode, filename, mode string, blksize int) ([]byte, error) {
	var b bytes.Buffer
	writeUint16(&b, uint16(op))
	if err := writeString(&b, filename); err != nil {
		return nil, err
	}
	if err := writeString(&b, mode); err != nil {
		return nil, err
	}
	switch {
	case blksize < 0 || blksize > math.MaxUint16:
		return nil, encodingErrorf("block size %d out of range", blksize)
	case blksize > 0:
		_ = writeString(&b, OptBlockSize)
		_ = writeString(&b, strconv.Itoa(blksize))
	}
	return b.Bytes(), nil
}

func writeUint16(b *bytes.Buffer, v uint16) {
	var bs [2]byte
	binary.BigEndian.PutUint16(bs[:], v)
	b.Write(bs[:])
}

func writeString(b *bytes.Buffer, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return encodingErrorf("%q contains a NUL byte", s)
	}
	b.WriteString(s)
	b.WriteByte(0)
	return nil
}

// Unmarshal parses a TFTP packet from bs.
func Unmarshal(bs []byte) (Packet, error) {
	if len(bs) < 2 {
		return nil, parseErrorf("packet is %d bytes, need at least 2", len(bs))
	}
	op := Opcode(binary.BigEndian.Uint16(bs))
	body := bs[2:]

	switch op {
	case OpRRQ, OpWRQ:
		filename, mode, blksize, err := unmarshalRequest(body)
		if err != nil {
			return nil, err
		}
		if op == OpRRQ {
			return &ReadRequest{Filename: filename, Mode: mode, BlockSize: blksize}, nil
		}
		return &WriteRequest{Filename: filename, Mode: mode, BlockSize: blksize}, nil
	case OpData:
		if len(body) < 2 {
			return nil, parseErrorf("%s packet is %d bytes, need at least 4", op, len(bs))
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(body),
			Payload: append([]byte(nil), body[2:]...),
		}, nil
	case OpAck:
		if len(body) < 2 {
			return nil, parseErrorf("%s packet is %d bytes, need at least 4", op, len(bs))
		}
		return &Ack{Block: binary.BigEndian.Uint16(body)}, nil
	case OpError:
		if len(body) < 2 {
			return nil, parseErrorf("%s packet is %d bytes, need at least 4", op, len(bs))
		}
		msg, _, err := readString(body[2:])
		if err != nil {
			return nil, parseErrorf("error message: %s", err)
		}
		return &ErrorPacket{Code: ErrorCode(binary.BigEndian.Uint16(body)), Message: msg}, nil
	case OpOACK:
		opts := map[string]string{}
		for len(body) > 0 {
			name, rest, err := readString(body)
			if err != nil {
				return nil, parseErrorf("option name: %s", err)
			}
			value, rest, err := readString(rest)
			if err != nil {
				return nil, parseErrorf("value of option %q: %s", name, err)
			}
			if hasOption(opts, name) {
				return nil, parseErrorf("duplicate option %q", name)
			}
			opts[name] = value
			body = rest
		}
		return &OptionAck{Options: opts}, nil
	default:
		return nil, parseErrorf("unknown opcode %d", uint16(op))
	}
}

// unmarshalRequest parses the body of an RRQ or WRQ. Options other
// than blksize are skipped, since many PXE ROMs send tsize first.
func unmarshalRequest(body []byte) (filename, mode string, blksize int, err error) {
	if filename, body, err = readString(body); err != nil {
		return "", "", 0, parseErrorf("filename: %s", err)
	}
	if mode, body, err = readString(body); err != nil {
		return "", "", 0, parseErrorf("mode: %s", err)
	}
	seen := map[string]bool{}
	for len(body) > 0 {
		var name, value string
		if name, body, err = readString(body); err != nil {
			return "", "", 0, parseErrorf("option name: %s", err)
		}
		if value, body, err = readString(body); err != nil {
			return "", "", 0, parseErrorf("value of option %q: %s", name, err)
		}
		// Option names are case-insensitive (RFC 2347).
		if seen[strings.ToLower(name)] {
			return "", "", 0, parseErrorf("duplicate option %q", name)
		}
		seen[strings.ToLower(name)] = true
		if !strings.EqualFold(name, OptBlockSize) {
			continue
		}
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return "", "", 0, parseErrorf("invalid %s %q", OptBlockSize, value)
		}
		blksize = int(n)
	}
	return filename, mode, blksize, nil
}

// hasOption reports whether opts has name, ignoring case.
func hasOption(opts map[string]string, name string) bool {
	for k := range opts {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func readString(bs []byte) (s string, rest []byte, err error) {
	i := bytes.IndexByte(bs, 0)
	if i < 0 {
		return "", nil, errors.New("missing NUL terminator")
	}
	return string(bs[:i]), bs[i+1:], nil
}
