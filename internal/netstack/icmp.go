package netstack

import (
	"net/netip"

	"github.com/jbush001/netstack/internal/netbuf"
)

const icmpHeaderLen = 4

const (
	icmpv4EchoRequest = 8
	icmpv4EchoReply   = 0

	icmpv6EchoRequest = 128
	icmpv6EchoReply   = 129
)

//    0               1               2               3
//    +---------------+---------------+-------------------------------+
//  0 |     Type      |     Code      |          Checksum             |
//    +---------------+---------------+-------------------------------+
//  4 |                     Identifier / Sequence / Payload            |
//    +-----------------------------------------------------------------+

func (s *Stack) icmpInput(packet *netbuf.Buffer, src, dst netip.Addr, v6 bool) {
	if packet.Len() < icmpHeaderLen {
		return
	}

	var sum uint16
	if v6 {
		sum = pseudoHeaderChecksum(src, dst, packet.Len(), protoICMPv6)
	}
	sum = bufferOnesComplementSum(sum, packet) ^ 0xffff
	if sum != 0 {
		s.log.Debug("icmp: checksum error")
		packet.Release()
		return
	}

	header := packet.Header(icmpHeaderLen)
	packetType := header[0]
	packet.TrimHead(icmpHeaderLen)

	echoRequest, echoReply := icmpv4EchoRequest, icmpv4EchoReply
	if v6 {
		echoRequest, echoReply = icmpv6EchoRequest, icmpv6EchoReply
	}

	if int(packetType) != echoRequest {
		packet.Release()
		return
	}

	reply := netbuf.New()
	reply.AppendFromBuffer(packet, packet.Len())
	packet.Release()
	s.icmpOutput(reply, uint8(echoReply), src, v6)
}

func (s *Stack) icmpOutput(packet *netbuf.Buffer, packetType uint8, dest netip.Addr, v6 bool) {
	header := packet.AllocHeader(icmpHeaderLen)
	header[0] = packetType
	header[1] = 0 // code
	header[2], header[3] = 0, 0

	var sum uint16
	if v6 {
		sum = pseudoHeaderChecksum(s.localAddrFor(dest), dest, packet.Len(), protoICMPv6)
	}
	sum = bufferOnesComplementSum(sum, packet) ^ 0xffff

	header = packet.Header(icmpHeaderLen)
	header[2] = byte(sum >> 8)
	header[3] = byte(sum)

	protocol := uint8(protoICMPv4)
	var err error
	if v6 {
		protocol = protoICMPv6
		err = s.ipv6Output(packet, protocol, dest)
	} else {
		err = s.ipv4Output(packet, protocol, dest)
	}
	if err != nil {
		s.log.Debug("icmp: send failed", "error", err)
	}
}
