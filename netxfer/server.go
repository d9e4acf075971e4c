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

// Package netxfer runs the network boot handshake: a BOOTP exchange
// that gives a client its address and boot file name, followed by a
// TFTP transfer of that file.
package netxfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/metal-stack/netxfer/bootp"
	"github.com/metal-stack/netxfer/pcap"
	"github.com/metal-stack/netxfer/tftp"
	"go.uber.org/zap"
)

// A Server boots one client at a time from a single file.
type Server struct {
	// Address to listen on, or empty for all interfaces.
	Address string
	// Interface, if set, restricts the BOOTP socket to one network
	// interface. Linux only.
	Interface string

	// These ports can be set for testing. Clients of the handshake
	// hardcode them, so changing them in production breaks booting.
	BOOTPPort int
	TFTPPort  int
	// ReplyAddr overrides where BOOTP replies are sent. Defaults to
	// 255.255.255.255 on bootp.ClientPort.
	ReplyAddr *net.UDPAddr

	// Contents of the BOOTP reply.
	YourAddr     string
	ServerAddr   string
	GatewayAddr  string
	ServerName   string
	BootFilename string

	// File is served for every TFTP read request.
	File string

	MaxBlockSize int
	Timeout      time.Duration
	Retries      int

	// Clock timestamps trace records and times transfers. It never
	// drives socket deadlines.
	Clock   clock.Clock
	Log     *zap.SugaredLogger
	Metrics *Metrics

	// Trace receives a pcap capture of every packet the server sends
	// or receives. This should be nil unless you are debugging a
	// client.
	Trace io.Writer

	traceOnce sync.Once
	tracer    *tracer
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Server) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s *Server) listenAddr(port, def int) string {
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(s.Address, strconv.Itoa(port))
}

// Boot answers one BOOTP request, then serves one TFTP transfer. It
// returns the first error, which ends the handshake.
func (s *Server) Boot(ctx context.Context) error {
	reply, err := s.RespondBOOTP(ctx)
	if err != nil {
		return fmt.Errorf("bootp: %w", err)
	}
	s.log().Infow("client configured, waiting for TFTP", "mac", reply.HardwareAddr, "yiaddr", reply.YourAddr, "file", reply.BootFilename)

	if err = s.TransferFile(ctx); err != nil {
		return fmt.Errorf("tftp: %w", err)
	}
	return nil
}

// RespondBOOTP answers a single BOOTP request and returns the reply
// that was sent.
func (s *Server) RespondBOOTP(ctx context.Context) (*bootp.Packet, error) {
	addr := s.listenAddr(s.BOOTPPort, bootp.ServerPort)
	conn, err := bootp.NewConn(addr, s.Interface)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	s.log().Infow("waiting for BOOTP request", "addr", conn.LocalAddr(), "interface", s.Interface)

	r := &bootp.Responder{
		YourAddr:     s.YourAddr,
		ServerAddr:   s.ServerAddr,
		GatewayAddr:  s.GatewayAddr,
		ServerName:   s.ServerName,
		BootFilename: s.BootFilename,
		ReplyAddr:    s.ReplyAddr,
		Log:          s.log().Named("bootp"),
	}
	reply, err := r.Respond(ctx, s.traced(conn))
	s.Metrics.bootpDone(err)
	return reply, err
}

// TransferFile serves File to the first client that asks for it.
func (s *Server) TransferFile(ctx context.Context) error {
	conn, err := s.listenTFTP()
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.tftpServer().ServeOne(ctx, s.traced(conn))
}

// ServeTFTP serves File to one client after another until ctx is
// canceled.
func (s *Server) ServeTFTP(ctx context.Context) error {
	conn, err := s.listenTFTP()
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.tftpServer().Serve(ctx, s.traced(conn))
}

func (s *Server) listenTFTP() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", s.listenAddr(s.TFTPPort, tftp.ServerPort))
	if err != nil {
		return nil, err
	}
	s.log().Infow("waiting for TFTP read request", "addr", conn.LocalAddr(), "file", s.File)
	return conn, nil
}

func (s *Server) tftpServer() *tftp.Server {
	return &tftp.Server{
		Handler:      tftp.FileHandler(s.File),
		MaxBlockSize: s.MaxBlockSize,
		Timeout:      s.Timeout,
		Retries:      s.Retries,
		Clock:        s.Clock,
		Log:          s.log().Named("tftp"),
		Metrics:      s.Metrics.tftp(),
		TransferLog:  s.logTFTPTransfer,
	}
}

func (s *Server) logTFTPTransfer(clientAddr net.Addr, path string, err error) {
	if err != nil {
		s.log().Errorw("send failed", "file", path, "client", clientAddr, "error", err)
		return
	}
	s.log().Infow("sent file", "file", path, "client", clientAddr)
}

// traced wraps conn to record its traffic in s.Trace, if set.
func (s *Server) traced(conn net.PacketConn) net.PacketConn {
	if s.Trace == nil {
		return conn
	}
	s.traceOnce.Do(func() {
		s.tracer = &tracer{
			w:     &pcap.Writer{Writer: s.Trace, LinkType: pcap.LinkRaw},
			clock: s.clock(),
			log:   s.log().Named("trace"),
		}
	})
	return &tracingConn{PacketConn: conn, t: s.tracer}
}
