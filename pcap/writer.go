package pcap

import (
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer serializes Packets to an io.Writer, little-endian with
// nanosecond timestamps. It is safe for concurrent use.
type Writer struct {
	Writer   io.Writer
	LinkType LinkType
	// SnapLen truncates packets longer than it. Zero means
	// DefaultSnapLen.
	SnapLen uint32

	mu sync.Mutex
	w  *pcapgo.Writer
}

func (w *Writer) snapLen() uint32 {
	if w.SnapLen == 0 {
		return DefaultSnapLen
	}
	return w.SnapLen
}

// Put serializes pkt to w.Writer. The file header is written before
// the first packet.
func (w *Writer) Put(pkt *Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		pw := pcapgo.NewWriterNanos(w.Writer)
		if err := pw.WriteFileHeader(w.snapLen(), layers.LinkType(w.LinkType)); err != nil {
			return err
		}
		w.w = pw
	}

	bs := pkt.Bytes
	if uint32(len(bs)) > w.snapLen() {
		bs = bs[:w.snapLen()]
	}
	origLen := pkt.Length
	if origLen < len(pkt.Bytes) {
		origLen = len(pkt.Bytes)
	}

	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     pkt.Timestamp,
		CaptureLength: len(bs),
		Length:        origLen,
	}, bs)
}
