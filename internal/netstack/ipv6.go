package netstack

import (
	"encoding/binary"
	"net/netip"

	"github.com/jbush001/netstack/internal/netbuf"
)

const ipv6HeaderLen = 40
const ipv6DefaultHopLimit = 64

//    0               1               2               3
//    +-------+-------+-----------------------------------------------+
//  0 |Version| Traffic Class |            Flow Label                 |
//    +-------+-------+-------+-------------------------------+-------+
//  4 |        Payload Length        |  Next Header  |  Hop Limit      |
//    +-------------------------------+---------------+-----------------+
//  8 |                       Source Address (16 bytes)                |
//    +------------------------------------------------------------------+
// 24 |                    Destination Address (16 bytes)               |
//    +------------------------------------------------------------------+
//
// IPv6 has no header checksum; integrity relies on the upper-layer
// protocol's checksum, which covers a pseudo-header built from these
// fields (see pseudoHeaderChecksum).

func (s *Stack) ipv6Input(packet []byte) {
	if len(packet) < ipv6HeaderLen {
		return
	}

	payloadLen := int(binary.BigEndian.Uint16(packet[4:6]))
	if ipv6HeaderLen+payloadLen > len(packet) {
		return
	}

	nextHeader := packet[6]
	src, _ := netip.AddrFromSlice(packet[8:24])
	dst, _ := netip.AddrFromSlice(packet[24:40])

	buf := netbuf.New()
	buf.AppendFromSlice(packet[ipv6HeaderLen : ipv6HeaderLen+payloadLen])
	s.demuxTransport(nextHeader, buf, src, dst)
}

func (s *Stack) ipv6Output(payload *netbuf.Buffer, nextHeader uint8, dest netip.Addr) error {
	payloadLen := payload.Len()
	header := payload.AllocHeader(ipv6HeaderLen)

	header[0] = 0x60 // version 6, traffic class/flow label left zero
	header[1], header[2], header[3] = 0, 0, 0
	binary.BigEndian.PutUint16(header[4:6], uint16(payloadLen))
	header[6] = nextHeader
	header[7] = ipv6DefaultHopLimit

	src := s.localAddrFor(dest)
	srcB := src.As16()
	dstB := dest.As16()
	copy(header[8:24], srcB[:])
	copy(header[24:40], dstB[:])

	return s.flushPacket(payload)
}
