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

package netxfer

import (
	"net"

	"github.com/benbjohnson/clock"
	"github.com/metal-stack/netxfer/pcap"
	"go.uber.org/zap"
)

type tracer struct {
	w     *pcap.Writer
	clock clock.Clock
	log   *zap.SugaredLogger
}

// record writes one datagram to the trace. Failures are logged and
// never affect the traced connection.
func (t *tracer) record(src, dst net.Addr, payload []byte) {
	usrc, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	udst, ok := dst.(*net.UDPAddr)
	if !ok {
		return
	}
	pkt, err := pcap.UDPPacket(t.clock.Now(), usrc, udst, payload)
	if err != nil {
		t.log.Debugw("not tracing packet", "error", err)
		return
	}
	if err = t.w.Put(pkt); err != nil {
		t.log.Warnw("writing packet trace", "error", err)
	}
}

// tracingConn records every datagram that crosses it.
type tracingConn struct {
	net.PacketConn
	t *tracer
}

func (c *tracingConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err == nil {
		c.t.record(addr, c.LocalAddr(), b[:n])
	}
	return n, addr, err
}

func (c *tracingConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err == nil {
		c.t.record(c.LocalAddr(), addr, b[:n])
	}
	return n, err
}
