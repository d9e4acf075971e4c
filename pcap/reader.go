// Package pcap reads and writes libpcap capture files, and frames UDP
// datagrams as raw IPv4 packets so they can be stored in one.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/pcapgo"
)

// LinkType describes the contents of each packet in a pcap.
type LinkType uint32

// Some of the more commonly used LinkTypes.
const (
	LinkEthernet LinkType = 1
	LinkRaw      LinkType = 101
)

// DefaultSnapLen is written when a Writer has no SnapLen.
const DefaultSnapLen = 65535

// ErrFormat is returned for input that is not a pcap file this
// package understands.
var ErrFormat = errors.New("malformed pcap")

// Packet is one raw packet and its metadata.
type Packet struct {
	Timestamp time.Time
	// Length is the length of the packet on the wire, which may be
	// more than len(Bytes) if the capture was truncated.
	Length int
	Bytes  []byte
}

// Reader extracts packets from a pcap file, in either byte order and
// with micro- or nanosecond timestamps.
type Reader struct {
	LinkType LinkType
	SnapLen  uint32

	r *pcapgo.Reader
}

// NewReader returns a new Reader that decodes pcap data from r.
func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pcap header: %s", ErrFormat, err)
	}
	return &Reader{
		LinkType: LinkType(pr.LinkType()),
		SnapLen:  pr.Snaplen(),
		r:        pr,
	}, nil
}

// Next returns the next packet in r. It returns io.EOF when there are
// no more packets.
func (r *Reader) Next() (*Packet, error) {
	bs, ci, err := r.r.ReadPacketData()
	switch {
	case err == io.EOF:
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %s", ErrFormat, err)
	}
	return &Packet{
		Timestamp: ci.Timestamp,
		Length:    ci.Length,
		Bytes:     bs,
	}, nil
}
