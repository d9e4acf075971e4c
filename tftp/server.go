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

package tftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ServerPort is the default port the Server listens on.
const ServerPort = 10069

// Server answers TFTP read requests, one client at a time, using the
// listening socket for the transfer itself.
type Server struct {
	Handler Handler

	// MaxBlockSize caps the blksize a client may negotiate. Zero
	// means DefaultMaxBlockSize.
	MaxBlockSize int
	// Timeout and Retries are passed on to each Session.
	Timeout time.Duration
	Retries int

	// Clock is passed on to each Session for timing transfers.
	Clock   clock.Clock
	Log     *zap.SugaredLogger
	Metrics *Metrics

	// TransferLog, if set, is called after every transfer attempt.
	TransferLog func(clientAddr net.Addr, path string, err error)
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

// Serve answers read requests on conn until ctx is canceled or conn
// fails. Failed transfers are logged and do not stop the server.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	for {
		err := s.ServeOne(ctx, conn)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
		case errors.Is(err, errRecv):
			return err
		default:
			s.log().Infow("transfer failed", "error", err)
		}
	}
}

var errRecv = errors.New("receiving TFTP request")

// ServeOne waits for one read request on conn and runs the transfer
// it asks for to completion.
func (s *Server) ServeOne(ctx context.Context, conn net.PacketConn) error {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %s", errRecv, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	buf := make([]byte, maxPacketSize)
	n, addr, err := conn.ReadFrom(buf)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", errRecv, err)
	}

	pkt, err := Unmarshal(buf[:n])
	if err != nil {
		sendError(conn, addr, ErrCodeIllegalOperation, "malformed request")
		return fmt.Errorf("request from %s: %w", addr, err)
	}
	rrq, ok := pkt.(*ReadRequest)
	if !ok {
		sendError(conn, addr, ErrCodeIllegalOperation, "only read requests are supported")
		return fmt.Errorf("%w: got %s from %s, want %s", ErrProtocol, pkt.Opcode(), addr, OpRRQ)
	}
	s.log().Infow("got read request", "from", addr, "file", rrq.Filename, "mode", rrq.Mode, "blksize", rrq.BlockSize)

	err = s.transfer(ctx, conn, addr, rrq)
	if s.TransferLog != nil {
		s.TransferLog(addr, rrq.Filename, err)
	}
	return err
}

func (s *Server) transfer(ctx context.Context, conn net.PacketConn, addr net.Addr, rrq *ReadRequest) error {
	if s.Handler == nil {
		sendError(conn, addr, ErrCodeFileNotFound, "no files to serve")
		return fmt.Errorf("no handler to serve %q", rrq.Filename)
	}
	f, size, err := s.Handler(rrq.Filename, addr)
	if err != nil {
		sendError(conn, addr, ErrCodeFileNotFound, err.Error())
		return fmt.Errorf("opening %q for %s: %w", rrq.Filename, addr, err)
	}
	defer f.Close()

	sess := NewSession(conn, addr, f, Config{
		Timeout: s.Timeout,
		Retries: s.Retries,
		Clock:   s.Clock,
		Log:     s.log().With("file", rrq.Filename, "size", size),
		Metrics: s.Metrics,
	})
	if n, ok := s.blockSize(rrq.BlockSize); ok {
		sess.NegotiateBlockSize(n)
	}
	return sess.Run(ctx)
}

// blockSize returns the block size to acknowledge for a requested
// blksize option, and false if the option should be ignored.
func (s *Server) blockSize(requested int) (int, bool) {
	if requested < minBlockSize {
		return 0, false
	}
	limit := s.MaxBlockSize
	if limit <= 0 {
		limit = DefaultMaxBlockSize
	}
	if limit > maxBlockSize {
		limit = maxBlockSize
	}
	if requested > limit {
		return limit, true
	}
	return requested, true
}
