package pcap

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestUDPPacketRoundTrip(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 10067}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: 10068}
	payload := []byte("hello, bootp")

	pkt, err := UDPPacket(time.Unix(5, 0), src, dst, payload)
	require.NoError(t, err)
	require.Equal(t, 20+8+len(payload), len(pkt.Bytes))
	require.Equal(t, len(pkt.Bytes), pkt.Length)

	gotSrc, gotDst, gotPayload, err := DecodeUDP(pkt)
	require.NoError(t, err)
	require.Equal(t, src.String(), gotSrc.String())
	require.Equal(t, dst.String(), gotDst.String())
	require.Equal(t, payload, gotPayload)

	// Checksums must be valid for the capture to be useful in wireshark.
	p := gopacket.NewPacket(pkt.Bytes, layers.LayerTypeIPv4, gopacket.Default)
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.NotZero(t, ip.Checksum)
	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.NotZero(t, udp.Checksum)
	require.Equal(t, uint16(8+len(payload)), udp.Length)
}

func TestUDPPacketNotIPv4(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 1}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: 2}
	_, err := UDPPacket(time.Now(), src, dst, nil)
	require.Error(t, err)
}

func TestDecodeUDPGarbage(t *testing.T) {
	_, _, _, err := DecodeUDP(&Packet{Bytes: []byte{0x45, 0, 0}})
	require.ErrorIs(t, err, ErrFormat)
}
