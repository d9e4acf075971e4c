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
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/metal-stack/netxfer/bootp"
	"github.com/metal-stack/netxfer/pcap"
	"github.com/metal-stack/netxfer/tftp"
	pintftp "github.com/pin/tftp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// requestBOOTP sends req to the server until it answers.
func requestBOOTP(t *testing.T, client net.PacketConn, server *net.UDPAddr, req *bootp.Packet) *bootp.Packet {
	t.Helper()
	bs, err := req.Marshal()
	require.NoError(t, err)

	buf := make([]byte, 1500)
	for i := 0; i < 50; i++ {
		_, err = client.WriteTo(bs, server)
		require.NoError(t, err)
		require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		n, _, err := client.ReadFrom(buf)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		require.NoError(t, err)
		resp, err := bootp.Unmarshal(buf[:n])
		require.NoError(t, err)
		return resp
	}
	t.Fatal("no BOOTP reply")
	return nil
}

func TestBoot(t *testing.T) {
	contents := make([]byte, 1500)
	for i := range contents {
		contents[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "kernel.bin")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	reg := prometheus.NewRegistry()
	var trace bytes.Buffer
	s := &Server{
		Address:      "127.0.0.1",
		BOOTPPort:    freePort(t),
		TFTPPort:     freePort(t),
		ReplyAddr:    client.LocalAddr().(*net.UDPAddr),
		YourAddr:     "192.168.1.2",
		ServerAddr:   "192.168.1.1",
		BootFilename: "kernel.bin",
		File:         path,
		Timeout:      500 * time.Millisecond,
		Log:          zaptest.NewLogger(t).Sugar(),
		Metrics:      NewMetrics(reg),
		Trace:        &trace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Boot(ctx) }()

	req := &bootp.Packet{
		Op:            bootp.OpRequest,
		HardwareType:  bootp.HardwareTypeEthernet,
		TransactionID: 0xcafe,
		HardwareAddr:  net.HardwareAddr{0x52, 0x54, 0, 0x12, 0x34, 0x56},
		Options:       bootp.Options{bootp.OptMessageType: {1}},
	}
	resp := requestBOOTP(t, client, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.BOOTPPort}, req)
	require.Equal(t, bootp.OpReply, resp.Op)
	require.Equal(t, uint32(0xcafe), resp.TransactionID)
	require.Equal(t, "192.168.1.2", resp.YourAddr.String())
	require.Equal(t, "192.168.1.1", resp.ServerAddr.String())
	require.Equal(t, "kernel.bin", resp.BootFilename)

	c, err := pintftp.NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(s.TFTPPort)))
	require.NoError(t, err)
	c.SetTimeout(200 * time.Millisecond)
	c.SetRetries(20)
	wt, err := c.Receive(resp.BootFilename, "octet")
	require.NoError(t, err)
	var got bytes.Buffer
	_, err = wt.WriteTo(&got)
	require.NoError(t, err)
	require.Equal(t, contents, got.Bytes())

	require.NoError(t, <-done)

	expected := `
# HELP netxfer_bootp_exchanges_total BOOTP exchanges by result.
# TYPE netxfer_bootp_exchanges_total counter
netxfer_bootp_exchanges_total{result="success"} 1
# HELP netxfer_tftp_transfers_total Finished TFTP transfers by result.
# TYPE netxfer_tftp_transfers_total counter
netxfer_tftp_transfers_total{result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"netxfer_bootp_exchanges_total", "netxfer_tftp_transfers_total"))

	r, err := pcap.NewReader(&trace)
	require.NoError(t, err)
	require.Equal(t, pcap.LinkRaw, r.LinkType)

	var sawRequest, sawReply, sawRRQ bool
	for {
		pkt, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		src, dst, payload, err := pcap.DecodeUDP(pkt)
		require.NoError(t, err)

		switch {
		case dst.Port == s.BOOTPPort:
			p, err := bootp.Unmarshal(payload)
			require.NoError(t, err)
			require.Equal(t, bootp.OpRequest, p.Op)
			sawRequest = true
		case src.Port == s.BOOTPPort:
			p, err := bootp.Unmarshal(payload)
			require.NoError(t, err)
			require.Equal(t, bootp.OpReply, p.Op)
			require.Equal(t, s.ReplyAddr.String(), dst.String())
			sawReply = true
		case dst.Port == s.TFTPPort:
			p, err := tftp.Unmarshal(payload)
			require.NoError(t, err)
			if p.Opcode() == tftp.OpRRQ {
				sawRRQ = true
			}
		}
	}
	require.True(t, sawRequest, "BOOTP request missing from trace")
	require.True(t, sawReply, "BOOTP reply missing from trace")
	require.True(t, sawRRQ, "TFTP read request missing from trace")
}

func TestBootCanceled(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := &Server{
		Address:   "127.0.0.1",
		BOOTPPort: freePort(t),
		Metrics:   NewMetrics(reg),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Boot(ctx)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)

	expected := `
# HELP netxfer_bootp_exchanges_total BOOTP exchanges by result.
# TYPE netxfer_bootp_exchanges_total counter
netxfer_bootp_exchanges_total{result="canceled"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "netxfer_bootp_exchanges_total"))
}

func TestBootRejectsBadConfig(t *testing.T) {
	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	s := &Server{
		Address:   "127.0.0.1",
		BOOTPPort: freePort(t),
		ReplyAddr: client.LocalAddr().(*net.UDPAddr),
		YourAddr:  "not-an-address",
	}
	done := make(chan error, 1)
	go func() { done <- s.Boot(context.Background()) }()

	req := &bootp.Packet{Op: bootp.OpRequest, HardwareType: bootp.HardwareTypeEthernet, HardwareAddr: net.HardwareAddr{1, 2, 3, 4, 5, 6}}
	bs, err := req.Marshal()
	require.NoError(t, err)
	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.BOOTPPort}

	for {
		_, err = client.WriteTo(bs, server)
		require.NoError(t, err)
		select {
		case err := <-done:
			require.True(t, errors.Is(err, bootp.ErrEncoding), "got %v", err)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestTracingConn(t *testing.T) {
	a, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	var trace bytes.Buffer
	s := &Server{Trace: &trace, Log: zaptest.NewLogger(t).Sugar()}
	ta := s.traced(a)

	_, err = ta.WriteTo([]byte("ping"), b.LocalAddr())
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	_, err = b.WriteTo(buf[:n], from)
	require.NoError(t, err)
	require.NoError(t, ta.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err = ta.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	r, err := pcap.NewReader(&trace)
	require.NoError(t, err)
	for _, want := range []struct{ src, dst net.Addr }{
		{a.LocalAddr(), b.LocalAddr()},
		{b.LocalAddr(), a.LocalAddr()},
	} {
		pkt, err := r.Next()
		require.NoError(t, err)
		src, dst, payload, err := pcap.DecodeUDP(pkt)
		require.NoError(t, err)
		require.Equal(t, want.src.String(), src.String())
		require.Equal(t, want.dst.String(), dst.String())
		require.Equal(t, "ping", string(payload))
	}
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestUntracedConn(t *testing.T) {
	a, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	s := &Server{}
	require.Equal(t, a, s.traced(a))
}
