package netstack

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

// pipeTunnel wires two Stacks directly together in-process: whatever one
// side sends is delivered to the other's Recv. It stands in for a real
// host tunnel device in tests.
type pipeTunnel struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeTunnel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &pipeTunnel{out: ab, in: ba}
	b = &pipeTunnel{out: ba, in: ab}
	return a, b
}

func (p *pipeTunnel) Send(packet []byte) error {
	cp := make([]byte, len(packet))
	copy(cp, packet)
	p.out <- cp
	return nil
}

func (p *pipeTunnel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestPair(t *testing.T) (client, server *Stack, clientAddr, serverAddr netip.Addr) {
	t.Helper()
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")

	tunA, tunB := newPipePair()
	client = New(WithIPv4Address(clientAddr))
	server = New(WithIPv4Address(serverAddr))

	ctx, cancel := context.WithCancel(context.Background())
	client.Attach(ctx, tunA)
	server.Attach(ctx, tunB)

	t.Cleanup(func() {
		cancel()
		client.Close()
		server.Close()
	})
	return client, server, clientAddr, serverAddr
}

func TestTCPHandshakeAndTransferAndClose(t *testing.T) {
	client, server, _, serverAddr := newTestPair(t)

	listener, err := server.ListenTCP(7000)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	acceptCh := make(chan *TCPConn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := listener.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientConn, err := client.DialTCP(ctx, serverAddr, 7000)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}

	var serverConn *TCPConn
	select {
	case serverConn = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	msg := []byte("hello from client")
	if _, err := clientConn.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := serverConn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}

	reply := []byte("hello back")
	if _, err := serverConn.Write(reply); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	n, err = clientConn.Read(buf)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(buf[:n]) != string(reply) {
		t.Fatalf("got %q, want %q", buf[:n], reply)
	}

	if err := clientConn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The server side should observe EOF once the close handshake
	// completes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := serverConn.Read(buf)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never observed connection close")
		}
	}
}

func TestUDPEchoBetweenStacks(t *testing.T) {
	client, server, _, serverAddr := newTestPair(t)

	serverSock, err := server.ListenUDP(9000)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	clientSock, err := client.DialUDP()
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}

	payload := []byte("ping")
	if err := clientSock.SendTo(serverAddr, 9000, payload); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 64)
	n, from, fromPort, err := serverSock.RecvFrom(ctx, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
	if fromPort != clientSock.LocalPort() {
		t.Fatalf("fromPort = %d, want %d", fromPort, clientSock.LocalPort())
	}

	if err := serverSock.SendTo(from, fromPort, []byte("pong")); err != nil {
		t.Fatalf("reply SendTo: %v", err)
	}
	n, _, _, err = clientSock.RecvFrom(ctx, buf)
	if err != nil {
		t.Fatalf("client RecvFrom: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("got %q, want pong", buf[:n])
	}
}

// filterTunnel wraps a Tunnel and lets a test selectively drop or inspect
// outgoing packets before they reach the peer.
type filterTunnel struct {
	inner Tunnel
	drop  func(packet []byte) bool
	tap   func(packet []byte)
}

func (f *filterTunnel) Send(packet []byte) error {
	if f.tap != nil {
		f.tap(packet)
	}
	if f.drop != nil && f.drop(packet) {
		return nil
	}
	return f.inner.Send(packet)
}

func (f *filterTunnel) Recv(ctx context.Context) ([]byte, error) {
	return f.inner.Recv(ctx)
}

// isPureTCPACK reports whether packet is an IPv4 segment carrying only the
// ACK flag and no payload, the shape of a standalone (delayed or immediate)
// acknowledgment rather than a data or control segment.
func isPureTCPACK(packet []byte) bool {
	if len(packet) < ipv4HeaderLen+tcpHeaderLen {
		return false
	}
	if packet[9] != protoTCP {
		return false
	}
	ihl := int(packet[0]&0xf) * 4
	if ihl < ipv4HeaderLen || len(packet) < ihl+tcpHeaderLen {
		return false
	}
	tcp := packet[ihl:]
	flags := tcpFlags(tcp[13])
	headerLen := int(tcp[12]>>4) * 4
	payloadLen := len(packet) - ihl - headerLen
	return flags == flagACK && payloadLen == 0
}

// TestTCPRetransmitsAfterDroppedACK covers a sender whose data segment's ACK
// never arrives: the retransmit timer armed on Write must still fire and
// resend the unacknowledged data once retransmitInterval elapses.
func TestTCPRetransmitsAfterDroppedACK(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	tunA, tunB := newPipePair()
	var dropACK atomic.Bool
	serverTunnel := &filterTunnel{
		inner: tunB,
		drop: func(packet []byte) bool {
			if !dropACK.Load() || !isPureTCPACK(packet) {
				return false
			}
			dropACK.Store(false)
			return true
		},
	}

	client := New(WithIPv4Address(clientAddr))
	server := New(WithIPv4Address(serverAddr))
	ctx, cancel := context.WithCancel(context.Background())
	client.Attach(ctx, tunA)
	server.Attach(ctx, serverTunnel)
	t.Cleanup(func() {
		cancel()
		client.Close()
		server.Close()
	})

	listener, err := server.ListenTCP(7001)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	acceptCh := make(chan *TCPConn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := listener.Accept(ctx)
		if err == nil {
			acceptCh <- conn
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	clientConn, err := client.DialTCP(dialCtx, serverAddr, 7001)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}

	select {
	case <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	before := client.Metrics().PacketsRetransmitted

	// Arm the drop only once the handshake's own ACKs are done, so the
	// SYN-ACK's acknowledgment isn't what gets dropped.
	dropACK.Store(true)
	if _, err := clientConn.Write([]byte("data that needs a second try")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(retransmitInterval + 2*time.Second)
	for client.Metrics().PacketsRetransmitted == before {
		if time.Now().After(deadline) {
			t.Fatal("no retransmit observed after dropped ACK")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestRSTOnUnknownFourTuple covers a segment addressed to a four-tuple with
// neither an established connection nor a listener: the receiving stack
// must answer with RST, and the peer that sent it must see its connection
// attempt fail rather than hang.
func TestRSTOnUnknownFourTuple(t *testing.T) {
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	tunA, tunB := newPipePair()
	var sawRST atomic.Bool
	serverTunnel := &filterTunnel{
		inner: tunB,
		tap: func(packet []byte) {
			if len(packet) < ipv4HeaderLen+tcpHeaderLen || packet[9] != protoTCP {
				return
			}
			ihl := int(packet[0]&0xf) * 4
			if tcpFlags(packet[ihl+13])&flagRST != 0 {
				sawRST.Store(true)
			}
		},
	}

	client := New(WithIPv4Address(clientAddr))
	server := New(WithIPv4Address(serverAddr))
	ctx, cancel := context.WithCancel(context.Background())
	client.Attach(ctx, tunA)
	server.Attach(ctx, serverTunnel)
	t.Cleanup(func() {
		cancel()
		client.Close()
		server.Close()
	})

	// No listener is registered on the server for this port, so the
	// server must reject the incoming SYN with an RST.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	_, err := client.DialTCP(dialCtx, serverAddr, 7002)
	if err == nil {
		t.Fatal("expected DialTCP to fail against a closed port")
	}

	if !sawRST.Load() {
		t.Fatal("expected an RST segment on the wire")
	}
}
