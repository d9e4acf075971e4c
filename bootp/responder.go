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
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// Default ports of the boot handshake. They are deliberately not the
// IANA BOOTP ports, so the responder can run next to a real DHCP
// server on the same segment.
const (
	ServerPort = 10067
	ClientPort = 10068
)

// DefaultBootFilename is the boot file named in replies when the
// Responder has none configured.
const DefaultBootFilename = "bootp.bin"

// maxPacketSize bounds a received datagram; a UDP payload can never be
// larger.
const maxPacketSize = 65535

// Responder answers a single BOOTREQUEST with a BOOTREPLY that
// assigns the client an address and names its boot file.
type Responder struct {
	// YourAddr, ServerAddr and GatewayAddr are dotted-decimal IPv4
	// addresses copied into yiaddr, siaddr and giaddr.
	YourAddr    string
	ServerAddr  string
	GatewayAddr string

	// ServerName, if set, replaces sname in the reply.
	ServerName string
	// BootFilename is the file the client should fetch over TFTP.
	BootFilename string

	// ReplyAddr is where replies go. Defaults to the limited
	// broadcast address on ClientPort.
	ReplyAddr *net.UDPAddr

	Log *zap.SugaredLogger
}

func (r *Responder) log() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

func (r *Responder) replyAddr() *net.UDPAddr {
	if r.ReplyAddr != nil {
		return r.ReplyAddr
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: ClientPort}
}

// Reply builds the BOOTREPLY answering req. The reply echoes the
// request's transaction, hardware address and options.
func (r *Responder) Reply(req *Packet) (*Packet, error) {
	if req.Op != OpRequest {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, OpRequest, req.Op)
	}

	resp := *req
	resp.Op = OpReply
	resp.Options = req.Options.Copy()

	var err error
	if resp.YourAddr, err = ParseIPv4(r.YourAddr); err != nil {
		return nil, fmt.Errorf("yiaddr: %w", err)
	}
	if resp.ServerAddr, err = ParseIPv4(r.ServerAddr); err != nil {
		return nil, fmt.Errorf("siaddr: %w", err)
	}
	if resp.RelayAddr, err = ParseIPv4(r.GatewayAddr); err != nil {
		return nil, fmt.Errorf("giaddr: %w", err)
	}
	if r.ServerName != "" {
		resp.ServerName = r.ServerName
	}
	resp.BootFilename = r.BootFilename
	if resp.BootFilename == "" {
		resp.BootFilename = DefaultBootFilename
	}

	return &resp, nil
}

// Respond receives one packet from conn, answers it, and returns the
// reply that was sent. It does not retry: any failure ends the
// exchange. The caller owns conn and must close it.
func (r *Responder) Respond(ctx context.Context, conn net.PacketConn) (*Packet, error) {
	c, err := newIfaceConn(conn)
	if err != nil {
		r.log().Debugw("no interface information on BOOTP socket", "error", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxPacketSize)
	n, ifidx, src, err := c.readFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receiving BOOTP request: %w", err)
	}

	req, err := Unmarshal(buf[:n])
	if err != nil {
		return nil, err
	}
	r.log().Infow("got BOOTREQUEST", "from", src, "mac", req.HardwareAddr, "xid", fmt.Sprintf("%08x", req.TransactionID))
	r.log().Debugf("request:\n%s", req.DebugString())

	resp, err := r.Reply(req)
	if err != nil {
		return nil, err
	}
	bs, err := resp.Marshal()
	if err != nil {
		return nil, err
	}

	dst := r.replyAddr()
	if !dst.IP.Equal(net.IPv4bcast) {
		ifidx = 0
	}
	if err = c.writeTo(bs, ifidx, dst); err != nil {
		return nil, fmt.Errorf("sending BOOTREPLY to %s: %w", dst, err)
	}
	r.log().Infow("sent BOOTREPLY", "to", dst, "mac", resp.HardwareAddr, "yiaddr", resp.YourAddr, "file", resp.BootFilename)

	return resp, nil
}

// ParseIPv4 converts a dotted-decimal IPv4 address into its 4-byte
// form. The empty string yields 0.0.0.0.
func ParseIPv4(s string) (net.IP, error) {
	if s == "" {
		return net.IP{0, 0, 0, 0}, nil
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, encodingErrorf("%q is not a dotted-decimal IPv4 address", s)
	}
	return ip, nil
}
