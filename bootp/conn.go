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
	"syscall"

	"golang.org/x/net/ipv4"
)

// platformControl, if set, returns a socket option hook that binds
// the socket to ifname and enables broadcast.
var platformControl func(ifname string) func(network, address string, c syscall.RawConn) error

// NewConn returns a UDP socket bound to addr that may send
// broadcasts. If ifname is not empty, the socket only receives
// traffic arriving on that interface.
func NewConn(addr, ifname string) (net.PacketConn, error) {
	var lc net.ListenConfig
	switch {
	case platformControl != nil:
		lc.Control = platformControl(ifname)
	case ifname != "":
		return nil, fmt.Errorf("binding to interface %q is not supported on this platform", ifname)
	}
	return lc.ListenPacket(context.Background(), "udp4", addr)
}

// ifaceConn reads and writes datagrams with the index of the
// interface they crossed, when the underlying socket can report it.
type ifaceConn struct {
	conn net.PacketConn
	p4   *ipv4.PacketConn
}

func newIfaceConn(conn net.PacketConn) (*ifaceConn, error) {
	ret := &ifaceConn{conn: conn}
	if _, ok := conn.(*net.UDPConn); !ok {
		return ret, nil
	}
	p4 := ipv4.NewPacketConn(conn)
	if err := p4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		return ret, err
	}
	ret.p4 = p4
	return ret, nil
}

func (c *ifaceConn) readFrom(b []byte) (n, ifidx int, addr net.Addr, err error) {
	if c.p4 == nil {
		n, addr, err = c.conn.ReadFrom(b)
		return n, 0, addr, err
	}
	n, cm, addr, err := c.p4.ReadFrom(b)
	if err != nil {
		return 0, 0, nil, err
	}
	if cm != nil {
		ifidx = cm.IfIndex
	}
	return n, ifidx, addr, nil
}

func (c *ifaceConn) writeTo(b []byte, ifidx int, addr net.Addr) error {
	if c.p4 == nil || ifidx <= 0 {
		_, err := c.conn.WriteTo(b, addr)
		return err
	}
	_, err := c.p4.WriteTo(b, &ipv4.ControlMessage{IfIndex: ifidx}, addr)
	return err
}
