package netstack

import (
	"encoding/binary"
	"net/netip"

	"github.com/jbush001/netstack/internal/netbuf"
)

// onesComplementSum computes the RFC 1071 Internet checksum running sum of
// data, continuing from an initial partial sum. The result is folded into
// 16 bits but not complemented, so it can be passed back in as the initial
// sum to combine partial sums across fragments.
func onesComplementSum(initial uint16, data []byte) uint16 {
	sum := uint32(initial)

	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// checksum16 returns the finished, complemented Internet checksum of data.
func checksum16(data []byte) uint16 {
	return 0xffff ^ onesComplementSum(0, data)
}

// bufferOnesComplementSum sums a netbuf.Buffer's payload fragment by
// fragment without linearizing it.
func bufferOnesComplementSum(initial uint16, b *netbuf.Buffer) uint16 {
	sum := initial
	for frag := range b.Fragments() {
		sum = onesComplementSum(sum, frag)
	}
	return sum
}

// pseudoHeaderChecksum computes the IPv4 or IPv6 pseudo-header checksum
// used by TCP and UDP, per RFC 793 §3.1 and RFC 8200 §8.1.
func pseudoHeaderChecksum(src, dst netip.Addr, length int, protocol uint8) uint16 {
	if dst.Is4() {
		var hdr [12]byte
		srcB := src.As4()
		dstB := dst.As4()
		copy(hdr[0:4], srcB[:])
		copy(hdr[4:8], dstB[:])
		hdr[9] = protocol
		binary.BigEndian.PutUint16(hdr[10:12], uint16(length))
		return onesComplementSum(0, hdr[:])
	}

	var hdr [40]byte
	srcB := src.As16()
	dstB := dst.As16()
	copy(hdr[0:16], srcB[:])
	copy(hdr[16:32], dstB[:])
	binary.BigEndian.PutUint32(hdr[32:36], uint32(length))
	hdr[39] = protocol
	return onesComplementSum(0, hdr[:])
}
