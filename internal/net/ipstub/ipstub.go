// Package ipstub is the narrow IPv4 boundary between internal/net/tcp and
// the out-of-scope Ethernet/ARP/E1000 link: it builds the IPv4 header
// TransmitIP hands down to a raw frame sender, and decodes inbound IPv4
// datagrams into the TCP segment or UDP datagram handed up to
// internal/net/tcp and internal/net/socket. Framing and addressing below
// IP (MAC resolution, the wire driver itself) are a collaborator this
// package never touches.
package ipstub

import (
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iansmith/alteo/internal/kerr"
	"github.com/iansmith/alteo/internal/net/socket"
	"github.com/iansmith/alteo/internal/net/tcp"
)

// FrameSender hands a fully-formed IPv4 datagram to whatever frames and
// transmits it (the out-of-scope link layer).
type FrameSender func(datagram []byte) error

// Stack adapts tcp.IPTransport onto an IPv4 header builder, and routes
// inbound datagrams to the TCP and socket layers.
type Stack struct {
	localIP net.IP
	send    FrameSender
	tcp     *tcp.Table
	sockets *socket.Table
	log     logr.Logger
}

// New builds a Stack bound to localIP, handing every built datagram to
// send. tcp.Init takes the Stack itself as its IPTransport, so the
// routing targets (tcp.Table, socket.Table) can only exist after this
// call returns — SetRouting wires them in once they do, the same
// late-binding seam internal/irq and internal/platform/apic use for
// their own mutual dependency.
func New(log logr.Logger, localIP net.IP, send FrameSender) *Stack {
	return &Stack{localIP: localIP, send: send, log: log}
}

// SetRouting wires the TCP and UDP destinations Dispatch delivers to.
func (s *Stack) SetRouting(tcpTable *tcp.Table, sockets *socket.Table) {
	s.tcp = tcpTable
	s.sockets = sockets
}

var _ tcp.IPTransport = (*Stack)(nil)

// TransmitIP builds an IPv4 header around payload and hands the
// serialized datagram to the link layer.
func (s *Stack) TransmitIP(dstIP net.IP, protocol layers.IPProtocol, payload []byte) error {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: protocol,
		SrcIP:    s.localIP,
		DstIP:    dstIP,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("ipstub: serialize: %w", err)
	}

	if s.send == nil {
		return fmt.Errorf("ipstub: no frame sender wired: %w", kerr.ErrInvalid)
	}
	return s.send(buf.Bytes())
}

// Dispatch decodes one inbound IPv4 datagram (already stripped of any
// link-layer framing by the caller) and routes it: a TCP segment goes to
// tcp.HandleSegment, a UDP datagram to socket.DeliverDatagram. Anything
// else is silently dropped — this core has no ICMP or raw-IP consumer.
func (s *Stack) Dispatch(datagram []byte) {
	packet := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return
	}

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		s.dispatchTCP(ip, packet)
	case layers.IPProtocolUDP:
		s.dispatchUDP(ip, packet)
	}
}

func (s *Stack) dispatchTCP(ip *layers.IPv4, packet gopacket.Packet) {
	if s.tcp == nil {
		return
	}
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	seg, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return
	}

	src := tcp.Endpoint{IP: ip.SrcIP, Port: uint16(seg.SrcPort)}
	dst := tcp.Endpoint{IP: ip.DstIP, Port: uint16(seg.DstPort)}
	s.tcp.HandleSegment(src, dst, seg, seg.LayerPayload())
}

func (s *Stack) dispatchUDP(ip *layers.IPv4, packet gopacket.Packet) {
	if s.sockets == nil {
		return
	}
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return
	}

	src := tcp.Endpoint{IP: ip.SrcIP, Port: uint16(udp.SrcPort)}
	s.sockets.DeliverDatagram(uint16(udp.DstPort), src, udp.LayerPayload())
}
