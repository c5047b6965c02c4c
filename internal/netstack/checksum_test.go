package netstack

import (
	"net/netip"
	"testing"

	"github.com/jbush001/netstack/internal/netbuf"
)

func TestOnesComplementSum(t *testing.T) {
	cases := []struct {
		data []byte
		want uint16
	}{
		{[]byte{0x00, 0x00}, 0},
		{[]byte{0x00, 0x01}, 0x1},
		{[]byte{0x00, 0xff}, 0xff},
		{[]byte{0xff, 0x23, 0xef, 0x55}, 0xee79},
		{[]byte{0x12, 0x34, 0x56}, 0x6834}, // odd length
	}
	for _, c := range cases {
		if got := onesComplementSum(0, c.data); got != c.want {
			t.Errorf("onesComplementSum(%x) = %#x, want %#x", c.data, got, c.want)
		}
	}
}

func TestChecksum16(t *testing.T) {
	cases := []struct {
		data []byte
		want uint16
	}{
		{[]byte{0x00, 0x00}, 0xffff},
		{[]byte{0x00, 0x01}, 0xfffe},
		{[]byte{0x00, 0xff}, 0xff00},
		{[]byte{0xff, 0x23, 0xef, 0x55}, 0x1186},
	}
	for _, c := range cases {
		if got := checksum16(c.data); got != c.want {
			t.Errorf("checksum16(%x) = %#x, want %#x", c.data, got, c.want)
		}
	}
}

func TestBufferOnesComplementSumAcrossFragments(t *testing.T) {
	b := netbuf.New()
	for i := 0; i < 512; i++ {
		b.AppendFromSlice([]byte{0x12, 0x34})
	}
	// 512 * 0x1234 = 0x246800 -> fold: 0x6800 + 0x0024 = 0x6824
	if got := bufferOnesComplementSum(0, b); got != 0x6824 {
		t.Errorf("bufferOnesComplementSum = %#x, want 0x6824", got)
	}
}

func TestPseudoHeaderChecksumV4(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.1")
	dst := netip.MustParseAddr("192.168.1.2")
	got := pseudoHeaderChecksum(src, dst, 20, protoTCP)
	if got != 0x836e {
		t.Errorf("pseudoHeaderChecksum v4 = %#x, want 0x836e", got)
	}
}

func TestPseudoHeaderChecksumV6(t *testing.T) {
	src := netip.MustParseAddr("2001:0db8:ac10:fe01::")
	dst := netip.MustParseAddr("2001:0db8:ac10:fe02::")
	got := pseudoHeaderChecksum(src, dst, 20, protoTCP)
	if got != 0xafb2 {
		t.Errorf("pseudoHeaderChecksum v6 = %#x, want 0xafb2", got)
	}
}
