package pcap

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPPacket frames payload as an IPv4/UDP datagram from src to dst,
// ready to be written to a LinkRaw capture.
func UDPPacket(ts time.Time, src, dst *net.UDPAddr, payload []byte) (*Packet, error) {
	srcIP, dstIP := src.IP.To4(), dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("framing %s -> %s: not IPv4", src, dst)
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("framing %s -> %s: %w", src, dst, err)
	}
	bs := buf.Bytes()
	return &Packet{Timestamp: ts, Length: len(bs), Bytes: bs}, nil
}

// DecodeUDP is the inverse of UDPPacket.
func DecodeUDP(pkt *Packet) (src, dst *net.UDPAddr, payload []byte, err error) {
	p := gopacket.NewPacket(pkt.Bytes, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: no IPv4 header: %v", ErrFormat, p.ErrorLayer())
	}
	// Payload decoding errors beyond the UDP header don't matter here.
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: not a UDP packet: %v", ErrFormat, p.ErrorLayer())
	}
	src = &net.UDPAddr{IP: ip.SrcIP, Port: int(udp.SrcPort)}
	dst = &net.UDPAddr{IP: ip.DstIP, Port: int(udp.DstPort)}
	return src, dst, udp.Payload, nil
}
