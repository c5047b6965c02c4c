package netstack

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"

	"github.com/jbush001/netstack/internal/netbuf"
)

const udpHeaderLen = 8

type udpDatagram struct {
	src  netip.Addr
	port uint16
	data []byte
}

// UDPConn is a bound UDP socket: a port and a queue of datagrams delivered
// to it.
type UDPConn struct {
	stack *Stack
	port  uint16

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []udpDatagram
	closed bool
}

// DialUDP binds an ephemeral local UDP port. UDP has no listener concept
// beyond a bound port, so the returned socket both sends and receives, just
// like one returned by ListenUDP.
func (s *Stack) DialUDP() (*UDPConn, error) {
	return s.bindUDP(0)
}

// ListenUDP binds a specific local UDP port.
func (s *Stack) ListenUDP(port uint16) (*UDPConn, error) {
	return s.bindUDP(port)
}

func (s *Stack) bindUDP(port uint16) (*UDPConn, error) {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()

	if port == 0 {
		var err error
		port, err = s.allocateEphemeralUDPPortLocked()
		if err != nil {
			return nil, err
		}
	} else if _, exists := s.udpSockets[port]; exists {
		return nil, ErrPortInUse
	}

	conn := &UDPConn{stack: s, port: port}
	conn.cond = sync.NewCond(&conn.mu)
	s.udpSockets[port] = conn
	return conn, nil
}

func (s *Stack) allocateEphemeralUDPPortLocked() (uint16, error) {
	for port := ephemeralPortBase; port <= 0xffff; port++ {
		if _, exists := s.udpSockets[uint16(port)]; !exists {
			return uint16(port), nil
		}
	}
	return 0, errors.New("netstack: no ephemeral UDP ports available")
}

// LocalPort returns the socket's bound local port.
func (c *UDPConn) LocalPort() uint16 { return c.port }

// RecvFrom blocks until a datagram is available, or ctx is cancelled, and
// copies its payload into data.
func (c *UDPConn) RecvFrom(ctx context.Context, data []byte) (n int, from netip.Addr, fromPort uint16, err error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.queue) == 0 && !c.closed {
		if ctx != nil && ctx.Err() != nil {
			return 0, netip.Addr{}, 0, ctx.Err()
		}
		c.cond.Wait()
	}

	if len(c.queue) == 0 {
		return 0, netip.Addr{}, 0, ErrConnectionClosed
	}

	dgram := c.queue[0]
	c.queue = c.queue[1:]
	n = copy(data, dgram.data)
	return n, dgram.src, dgram.port, nil
}

// SendTo transmits data as a single UDP datagram to dest:destPort.
func (c *UDPConn) SendTo(dest netip.Addr, destPort uint16, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	return c.stack.udpOutput(data, dest, c.port, destPort)
}

// Close unbinds the socket's port and wakes any pending RecvFrom.
func (c *UDPConn) Close() error {
	c.stack.udpMu.Lock()
	delete(c.stack.udpSockets, c.port)
	c.stack.udpMu.Unlock()

	c.closeLocked()
	return nil
}

func (c *UDPConn) closeLocked() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

//    0               1               2               3
//    +-------------------------------+-------------------------------+
//  0 |         Source Port           |          Dest Port            |
//    +-------------------------------+-------------------------------+
//  4 |            Length             |           Checksum            |
//    +-------------------------------+-------------------------------+

func (s *Stack) udpInput(packet *netbuf.Buffer, src, dst netip.Addr) {
	if packet.Len() < udpHeaderLen {
		packet.Release()
		return
	}

	header := packet.Header(udpHeaderLen)
	srcPort := binary.BigEndian.Uint16(header[0:2])
	dstPort := binary.BigEndian.Uint16(header[2:4])
	packet.TrimHead(udpHeaderLen)

	s.udpMu.Lock()
	conn, ok := s.udpSockets[dstPort]
	s.udpMu.Unlock()
	if !ok {
		s.log.Debug("udp: no socket listening", "port", dstPort)
		packet.Release()
		return
	}

	data := make([]byte, packet.Len())
	packet.CopyToSlice(data)
	packet.Release()

	conn.mu.Lock()
	conn.queue = append(conn.queue, udpDatagram{src: src, port: srcPort, data: data})
	conn.mu.Unlock()
	conn.cond.Broadcast()
}

func (s *Stack) udpOutput(data []byte, dest netip.Addr, srcPort, dstPort uint16) error {
	packet := netbuf.New()
	packet.AppendFromSlice(data)

	header := packet.AllocHeader(udpHeaderLen)
	length := packet.Len()
	binary.BigEndian.PutUint16(header[0:2], srcPort)
	binary.BigEndian.PutUint16(header[2:4], dstPort)
	binary.BigEndian.PutUint16(header[4:6], uint16(length))
	binary.BigEndian.PutUint16(header[6:8], 0) // checksum filled below

	src := s.localAddrFor(dest)
	sum := pseudoHeaderChecksum(src, dest, length, protoUDP)
	sum = bufferOnesComplementSum(sum, packet) ^ 0xffff
	if sum == 0 {
		// A computed checksum of zero is transmitted as all-ones, per
		// RFC 768: zero in the field means "no checksum was computed".
		sum = 0xffff
	}
	header = packet.Header(udpHeaderLen)
	binary.BigEndian.PutUint16(header[6:8], sum)

	if dest.Is4() {
		return s.ipv4Output(packet, protoUDP, dest)
	}
	return s.ipv6Output(packet, protoUDP, dest)
}
