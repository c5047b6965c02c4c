package netstack

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"

	"github.com/jbush001/netstack/internal/netbuf"
)

const ipv4HeaderLen = 20
const ipv4DefaultTTL = 64

var nextIPv4ID atomic.Uint32

//    0               1               2               3
//    +-------+-------+---------------+-------------------------------+
//  0 |Version|  IHL  |Type of Service|          Total Length         |
//    +-------+-------+---------------+-----+-------------------------+
//  4 |         Identification        |Flags|      Fragment Offset    |
//    +---------------+---------------+-----+-------------------------+
//  8 |  Time to Live |    Protocol   |         Header Checksum       |
//    +---------------+---------------+-------------------------------+
// 12 |                       Source Address                          |
//    +---------------------------------------------------------------+
// 16 |                    Destination Address                        |
//    +-----------------------------------------------+---------------+
// 20 |                    Options (not supported)     |    Padding   |
//    +-----------------------------------------------+---------------+

func (s *Stack) ipv4Input(packet []byte) {
	if len(packet) < ipv4HeaderLen {
		return
	}

	headerLen := int(packet[0]&0xf) * 4
	if headerLen < ipv4HeaderLen || len(packet) < headerLen {
		s.log.Debug("ipv4: malformed header length")
		return
	}

	if checksum16(packet[:headerLen]) != 0 {
		s.log.Debug("ipv4: checksum error")
		return
	}

	// Fragmented packets (MF set, or a nonzero fragment offset) aren't
	// reassembled; this is rare enough on a tunnel interface to not be
	// worth the complexity.
	if binary.BigEndian.Uint16(packet[6:8])&0x3fff != 0 {
		s.log.Debug("ipv4: fragmented packet, not supported")
		return
	}

	totalLen := int(binary.BigEndian.Uint16(packet[2:4]))
	if totalLen > len(packet) {
		return
	}

	protocol := packet[9]
	src, _ := netip.AddrFromSlice(packet[12:16])
	dst, _ := netip.AddrFromSlice(packet[16:20])

	buf := netbuf.New()
	buf.AppendFromSlice(packet[headerLen:totalLen])
	s.demuxTransport(protocol, buf, src, dst)
}

func (s *Stack) ipv4Output(payload *netbuf.Buffer, protocol uint8, dest netip.Addr) error {
	header := payload.AllocHeader(ipv4HeaderLen)
	packetLen := payload.Len()

	header[0] = 0x45 // version 4, IHL 5 (no options)
	header[1] = 0
	binary.BigEndian.PutUint16(header[2:4], uint16(packetLen))
	binary.BigEndian.PutUint16(header[4:6], uint16(nextIPv4ID.Add(1)))
	binary.BigEndian.PutUint16(header[6:8], 0) // flags/fragment offset: no flags set, offset 0
	header[8] = ipv4DefaultTTL
	header[9] = protocol
	header[10], header[11] = 0, 0 // checksum filled below

	src := s.localAddrFor(dest)
	srcB := src.As4()
	dstB := dest.As4()
	copy(header[12:16], srcB[:])
	copy(header[16:20], dstB[:])

	binary.BigEndian.PutUint16(header[10:12], checksum16(header))

	return s.flushPacket(payload)
}

func (s *Stack) flushPacket(buf *netbuf.Buffer) error {
	out := make([]byte, buf.Len())
	buf.CopyToSlice(out)
	buf.Release()
	return s.sendPacket(out)
}
