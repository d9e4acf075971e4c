package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

func TestReadMicrosecondCapture(t *testing.T) {
	var b bytes.Buffer
	w := pcapgo.NewWriter(&b)
	require.NoError(t, w.WriteFileHeader(1500, layers.LinkTypeEthernet))

	ts := time.Unix(1600000000, 250000*1000)
	frames := [][]byte{{0xde, 0xad}, {0xbe, 0xef, 0x00}}
	for _, f := range frames {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(f),
			Length:        len(f) + 10,
		}, f))
	}

	r, err := NewReader(&b)
	require.NoError(t, err)
	require.Equal(t, LinkEthernet, r.LinkType)
	require.Equal(t, uint32(1500), r.SnapLen)

	pkts := readAll(t, r)
	require.Len(t, pkts, 2)
	for i, pkt := range pkts {
		require.Equal(t, frames[i], pkt.Bytes)
		require.Equal(t, len(frames[i])+10, pkt.Length)
		require.True(t, ts.Equal(pkt.Timestamp), "timestamp %s, want %s", pkt.Timestamp, ts)
	}
}

func TestReadBigEndianCapture(t *testing.T) {
	be := binary.BigEndian
	var b bytes.Buffer
	hdr := make([]byte, 24)
	be.PutUint32(hdr[0:], 0xa1b23c4d)
	be.PutUint16(hdr[4:], 2)
	be.PutUint16(hdr[6:], 4)
	be.PutUint32(hdr[16:], 9000)
	be.PutUint32(hdr[20:], uint32(LinkRaw))
	b.Write(hdr)

	rec := make([]byte, 16)
	be.PutUint32(rec[0:], 1600000000)
	be.PutUint32(rec[4:], 123456789)
	be.PutUint32(rec[8:], 3)
	be.PutUint32(rec[12:], 60)
	b.Write(rec)
	b.Write([]byte{7, 8, 9})

	r, err := NewReader(&b)
	require.NoError(t, err)
	require.Equal(t, LinkRaw, r.LinkType)
	require.Equal(t, uint32(9000), r.SnapLen)

	pkts := readAll(t, r)
	require.Len(t, pkts, 1)
	require.Equal(t, []byte{7, 8, 9}, pkts[0].Bytes)
	require.Equal(t, 60, pkts[0].Length)
	require.True(t, time.Unix(1600000000, 123456789).Equal(pkts[0].Timestamp))
}

func TestReaderErrors(t *testing.T) {
	valid := func() []byte {
		var b bytes.Buffer
		w := &Writer{Writer: &b, LinkType: LinkRaw}
		if err := w.Put(&Packet{Timestamp: time.Unix(1, 0), Bytes: []byte{1, 2, 3, 4}}); err != nil {
			t.Fatal(err)
		}
		return b.Bytes()
	}

	t.Run("short header", func(t *testing.T) {
		_, err := NewReader(bytes.NewReader(valid()[:10]))
		require.Error(t, err)
	})
	t.Run("bad magic", func(t *testing.T) {
		bs := valid()
		bs[0] = 0
		_, err := NewReader(bytes.NewReader(bs))
		require.True(t, errors.Is(err, ErrFormat), "got %v", err)
	})
	t.Run("truncated record", func(t *testing.T) {
		bs := valid()
		r, err := NewReader(bytes.NewReader(bs[:len(bs)-1]))
		require.NoError(t, err)
		_, err = r.Next()
		require.True(t, errors.Is(err, ErrFormat), "got %v", err)
	})
	t.Run("truncated record header", func(t *testing.T) {
		bs := valid()
		r, err := NewReader(bytes.NewReader(bs[:24+5]))
		require.NoError(t, err)
		_, err = r.Next()
		require.True(t, errors.Is(err, ErrFormat), "got %v", err)
	})
	t.Run("clean end", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(valid()))
		require.NoError(t, err)
		_, err = r.Next()
		require.NoError(t, err)
		_, err = r.Next()
		require.Equal(t, io.EOF, err)
	})
}
