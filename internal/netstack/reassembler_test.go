package netstack

import (
	"testing"

	"github.com/jbush001/netstack/internal/netbuf"
)

func bufOf(s string) *netbuf.Buffer {
	b := netbuf.New()
	b.AppendFromSlice([]byte(s))
	return b
}

func contents(b *netbuf.Buffer) string {
	out := make([]byte, b.Len())
	b.CopyToSlice(out)
	return string(out)
}

func TestReassembleInOrder(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(100)

	got := r.addPacket(bufOf("hello"), 100)
	if got == nil || contents(got) != "hello" {
		t.Fatalf("expected in-order delivery of 'hello', got %v", got)
	}
	if r.getNextExpect() != 105 {
		t.Errorf("nextExpect = %d, want 105", r.getNextExpect())
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(100)

	if got := r.addPacket(bufOf("world"), 105); got != nil {
		t.Fatalf("out-of-order segment should not be delivered immediately, got %v", got)
	}
	if len(r.outOfOrder) != 1 {
		t.Fatalf("expected segment to be queued, outOfOrder = %v", r.outOfOrder)
	}

	got := r.addPacket(bufOf("hello"), 100)
	if got == nil || contents(got) != "helloworld" {
		t.Fatalf("expected gap close to deliver 'helloworld', got %v", got)
	}
	if len(r.outOfOrder) != 0 {
		t.Errorf("outOfOrder should be empty after gap closes, got %v", r.outOfOrder)
	}
}

func TestReassembleStaleSegmentDropped(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(100)

	r.addPacket(bufOf("hello"), 100)
	if got := r.addPacket(bufOf("!!!!!"), 110); got != nil {
		t.Fatalf("unexpected immediate delivery: %v", got)
	}
	// Segment at 100 again (e.g. a retransmit overlapping already-delivered
	// data) arrives after a later out-of-order segment is already queued.
	if got := r.addPacket(bufOf("hello"), 100); got != nil {
		t.Fatalf("stale segment delivered: %v", got)
	}
	got := r.addPacket(bufOf("world"), 105)
	if got == nil || contents(got) != "world!!!!!" {
		t.Fatalf("expected 'world!!!!!', got %v", got)
	}
	if len(r.outOfOrder) != 0 {
		t.Errorf("stale segment should have been dropped, outOfOrder = %v", r.outOfOrder)
	}
}

func TestReassembleStaleDuplicateIgnored(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(100)

	r.addPacket(bufOf("hello"), 100)
	// A full duplicate of an already-consumed segment must not move
	// nextSequence backwards or get redelivered.
	got := r.addPacket(bufOf("hello"), 100)
	if got != nil {
		t.Fatalf("duplicate segment redelivered: %v", got)
	}
}

func TestReassembleMultipleGapsClosing(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(0)

	r.addPacket(bufOf("CC"), 4)
	r.addPacket(bufOf("BB"), 2)
	if len(r.outOfOrder) != 2 {
		t.Fatalf("expected two queued segments, got %d", len(r.outOfOrder))
	}

	got := r.addPacket(bufOf("AA"), 0)
	if got == nil || contents(got) != "AABBCC" {
		t.Fatalf("expected 'AABBCC', got %v", got)
	}
	if len(r.outOfOrder) != 0 {
		t.Errorf("outOfOrder should have drained, got %v", r.outOfOrder)
	}
}

func TestReassembleSequenceWraparound(t *testing.T) {
	var r tcpReassembler
	r.setNextExpect(0xfffffffe)

	if got := r.addPacket(bufOf("AB"), 0xfffffffe); got == nil || contents(got) != "AB" {
		t.Fatalf("expected 'AB' at wraparound boundary, got %v", got)
	}
	if r.getNextExpect() != 0 {
		t.Errorf("nextExpect should wrap to 0, got %#x", r.getNextExpect())
	}

	got := r.addPacket(bufOf("CD"), 0)
	if got == nil || contents(got) != "CD" {
		t.Fatalf("expected 'CD' to deliver after wraparound, got %v", got)
	}
}
