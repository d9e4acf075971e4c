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
	"io"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transfer defaults. The timeout and block size are what PXE ROMs
// expect from a server that negotiated nothing.
const (
	DefaultBlockSize = 512
	DefaultTimeout   = 2 * time.Second
	DefaultRetries   = 5

	// DefaultMaxBlockSize fills a 1500 byte ethernet frame.
	DefaultMaxBlockSize = 1468

	minBlockSize = 8
	maxBlockSize = 65464
)

// maxPacketSize bounds a received datagram.
const maxPacketSize = 65535

// State is the position of a Session in its transfer.
type State int

// Session states.
const (
	StateAwaitingRequest State = iota
	StateSendingBlock
	StateAwaitingAck
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "AwaitingRequest"
	case StateSendingBlock:
		return "SendingBlock"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateComplete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a Session. The zero value is usable.
type Config struct {
	// Timeout is how long to wait for an ACK before retransmitting.
	Timeout time.Duration
	// Retries is how many consecutive retransmissions of one packet
	// are attempted before giving up. Zero means DefaultRetries, a
	// negative value retries forever.
	Retries int

	// Clock times transfers for logs and metrics. Socket deadlines
	// always use wall time.
	Clock   clock.Clock
	Log     *zap.SugaredLogger
	Metrics *Metrics
}

// Session sends one file to one peer, a block at a time, waiting for
// each block to be acknowledged before sending the next.
//
// A Session is not safe for concurrent use.
type Session struct {
	conn net.PacketConn
	peer net.Addr
	src  io.Reader

	timeout time.Duration
	retries int
	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *Metrics

	state     State
	block     uint16
	blockSize int
	// final is set once the block in flight is shorter than blockSize.
	final bool
	// lastSent is the encoded packet awaiting acknowledgement.
	lastSent []byte
	// oack, if set, is sent as block 0 before any data.
	oack *OptionAck

	rbuf        []byte
	blocks      int
	bytes       int64
	retransmits int
}

// NewSession returns a Session that will send the contents of src to
// peer over conn. Packets from any other address are ignored.
func NewSession(conn net.PacketConn, peer net.Addr, src io.Reader, cfg Config) *Session {
	s := &Session{
		conn:      conn,
		peer:      peer,
		src:       src,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		clock:     cfg.Clock,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		state:     StateAwaitingRequest,
		block:     1,
		blockSize: DefaultBlockSize,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.retries == 0 {
		s.retries = DefaultRetries
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.With("session", uuid.NewString(), "peer", peer.String())
	return s
}

// NegotiateBlockSize makes the session acknowledge a blksize option
// of n before sending data, and use n as its block size. It must be
// called before Run.
func (s *Session) NegotiateBlockSize(n int) {
	s.blockSize = n
	s.oack = &OptionAck{Options: map[string]string{OptBlockSize: strconv.Itoa(n)}}
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// BlockSize returns the block size in use.
func (s *Session) BlockSize() int {
	return s.blockSize
}

// Run drives the transfer until the last block is acknowledged. A
// malformed packet from the peer, a failed read of the source, or a
// peer that stops acknowledging ends the transfer with an error.
func (s *Session) Run(ctx context.Context) error {
	start := s.clock.Now()
	err := s.run(ctx)
	elapsed := s.clock.Since(start)

	s.metrics.transferDone(err, elapsed)
	if err != nil {
		s.log.Infow("transfer failed", "block", s.block, "retransmits", s.retransmits, "error", err)
		return err
	}
	s.log.Infow("transfer complete", "blocks", s.blocks, "bytes", s.bytes, "retransmits", s.retransmits, "duration", elapsed)
	return nil
}

func (s *Session) run(ctx context.Context) error {
	s.rbuf = make([]byte, maxPacketSize)
	s.state = StateSendingBlock

	if s.oack != nil {
		bs, err := Marshal(s.oack)
		if err != nil {
			return err
		}
		s.block = 0
		s.log.Debugw("sending OACK", "blksize", s.blockSize)
		if err = s.send(bs); err != nil {
			return err
		}
		s.state = StateAwaitingAck
	}

	for {
		var err error
		switch s.state {
		case StateSendingBlock:
			err = s.sendBlock()
		case StateAwaitingAck:
			err = s.awaitAck(ctx)
		case StateComplete:
			return nil
		default:
			return fmt.Errorf("session in unexpected state %s", s.state)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) sendBlock() error {
	buf := make([]byte, s.blockSize)
	n, err := io.ReadFull(s.src, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.abort(ErrCodeNotDefined, "error reading file")
		return fmt.Errorf("reading block %d: %w", s.block, err)
	}
	s.final = n < s.blockSize

	bs, err := Marshal(&Data{Block: s.block, Payload: buf[:n]})
	if err != nil {
		return err
	}
	s.log.Debugw("sending block", "block", s.block, "bytes", n)
	if err = s.send(bs); err != nil {
		return err
	}
	s.blocks++
	s.bytes += int64(n)
	s.metrics.blockSent(n)
	s.state = StateAwaitingAck
	return nil
}

func (s *Session) awaitAck(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	// One deadline per transmission; discarded packets don't extend it.
	// Socket deadlines are wall time, not s.clock.
	tries := 0
	deadline := time.Now().Add(s.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, addr, err := s.conn.ReadFrom(s.rbuf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				return fmt.Errorf("waiting for ACK of block %d: %w", s.block, err)
			}
			if s.retries >= 0 && tries >= s.retries {
				return fmt.Errorf("%w: no ACK for block %d after %d retransmissions", ErrTimeout, s.block, tries)
			}
			tries++
			s.retransmits++
			s.metrics.retransmitted()
			s.log.Debugw("timeout, retransmitting", "block", s.block, "attempt", tries)
			if err = s.send(s.lastSent); err != nil {
				return err
			}
			deadline = time.Now().Add(s.timeout)
			continue
		}

		if !sameAddr(addr, s.peer) {
			s.log.Debugw("ignoring packet from stranger", "from", addr)
			continue
		}
		pkt, err := Unmarshal(s.rbuf[:n])
		if err != nil {
			return err
		}
		ack, ok := pkt.(*Ack)
		if !ok {
			s.log.Debugw("ignoring packet while waiting for ACK", "opcode", pkt.Opcode(), "block", s.block)
			continue
		}
		if ack.Block != s.block {
			s.log.Debugw("ignoring stale ACK", "got", ack.Block, "want", s.block)
			continue
		}

		if s.final {
			s.state = StateComplete
		} else {
			s.block++
			s.state = StateSendingBlock
		}
		return nil
	}
}

func (s *Session) send(bs []byte) error {
	s.lastSent = bs
	if _, err := s.conn.WriteTo(bs, s.peer); err != nil {
		return fmt.Errorf("sending block %d to %s: %w", s.block, s.peer, err)
	}
	return nil
}

// abort tells the peer the transfer is over. Delivery is best effort.
func (s *Session) abort(code ErrorCode, msg string) {
	sendError(s.conn, s.peer, code, msg)
}

func sendError(conn net.PacketConn, addr net.Addr, code ErrorCode, msg string) {
	bs, err := Marshal(&ErrorPacket{Code: code, Message: msg})
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(bs, addr)
}

func sameAddr(a, b net.Addr) bool {
	ua, ok := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok && ok2 {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
