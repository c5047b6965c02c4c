// Package netstack implements a userspace TCP/IP stack that attaches to a
// host-provided tunnel device instead of the kernel's networking stack.
// It decodes and builds IPv4 and IPv6 frames itself, and implements ICMP
// echo, UDP and TCP on top of them, all the way up to a small socket-style
// public API (DialTCP, ListenTCP, DialUDP, ...).
//
// The design follows RFC 9293 (TCP), RFC 791 (IPv4), RFC 8200 (IPv6) and
// RFC 768 (UDP). It deliberately does not implement IP fragmentation,
// routing between interfaces, NAT, or TCP congestion control beyond
// flow-control windowing; see the Non-goals section of SPEC_FULL.md.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbush001/netstack/internal/netbuf"
	"github.com/jbush001/netstack/internal/nettimer"
	"github.com/jbush001/netstack/internal/pcap"
)

// IP protocol numbers used by this stack.
const (
	protoICMPv4 = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// Tunnel is implemented by the host environment that owns the actual
// network interface (a TUN device, a virtio backend, a test harness). The
// stack treats it as an opaque source and sink of whole IP packets; how
// those packets reach the wire is entirely the host's concern.
type Tunnel interface {
	// Send transmits a single IP packet. It must not retain packet after
	// returning.
	Send(packet []byte) error

	// Recv blocks until a single IP packet is available and returns it.
	// It returns an error (commonly context.Canceled) once the tunnel is
	// torn down.
	Recv(ctx context.Context) ([]byte, error)
}

// Metrics is a snapshot of stack-wide packet counters, used by callers that
// want basic visibility without wiring up full structured logging.
type Metrics struct {
	PacketsReceived      uint64
	PacketsSent          uint64
	PacketsRetransmitted uint64
	Buffers              netbuf.Stats
}

// Stack is a single instance of the TCP/IP stack. Create one with New,
// attach it to a Tunnel with Attach, and use the DialTCP/ListenTCP/DialUDP
// methods to open connections.
type Stack struct {
	log *slog.Logger

	localV4 netip.Addr
	localV6 netip.Addr

	timers *nettimer.Service

	tcpMu        sync.Mutex
	tcpConns     map[tcpFourTuple]*TCPConn
	tcpListeners map[uint16]*TCPConn

	udpMu      sync.Mutex
	udpSockets map[uint16]*UDPConn

	tunnel Tunnel
	cancel context.CancelFunc

	packetsReceived      atomic.Uint64
	packetsSent          atomic.Uint64
	packetsRetransmitted atomic.Uint64

	pcapMu     sync.Mutex
	pcapWriter *pcap.Writer

	closeOnce sync.Once
}

// Option configures a Stack at construction time.
type Option func(*Stack)

// WithLogger overrides the stack's logger. The default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) { s.log = l }
}

// WithIPv4Address sets the stack's own IPv4 address, used as the source
// address of outgoing packets and the pseudo-header checksum base.
func WithIPv4Address(addr netip.Addr) Option {
	return func(s *Stack) { s.localV4 = addr }
}

// WithIPv6Address sets the stack's own IPv6 address.
func WithIPv6Address(addr netip.Addr) Option {
	return func(s *Stack) { s.localV6 = addr }
}

// WithPacketCapture records every packet the stack sends or receives as a
// classic pcap file header plus one record per packet, using w. The global
// header is written immediately; the caller owns closing the underlying
// writer once the stack is shut down.
func WithPacketCapture(w *pcap.Writer) Option {
	return func(s *Stack) {
		w.WriteFileHeader(0, pcap.LinkTypeRaw)
		s.pcapWriter = w
	}
}

func (s *Stack) capture(packet []byte) {
	s.pcapMu.Lock()
	defer s.pcapMu.Unlock()
	if s.pcapWriter == nil {
		return
	}
	ci := pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(packet),
		Length:        len(packet),
	}
	if err := s.pcapWriter.WritePacket(ci, packet); err != nil {
		s.log.Debug("pcap: write failed", "error", err)
	}
}

// New creates a Stack. It does not start processing packets until Attach
// is called.
func New(opts ...Option) *Stack {
	s := &Stack{
		log:          slog.New(discardHandler{}),
		tcpConns:     make(map[tcpFourTuple]*TCPConn),
		tcpListeners: make(map[uint16]*TCPConn),
		udpSockets:   make(map[uint16]*UDPConn),
		timers:       nettimer.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach starts a goroutine that reads packets from tunnel until ctx is
// cancelled or Close is called.
func (s *Stack) Attach(ctx context.Context, tunnel Tunnel) {
	ctx, cancel := context.WithCancel(ctx)
	s.tunnel = tunnel
	s.cancel = cancel

	go s.readLoop(ctx)
}

func (s *Stack) readLoop(ctx context.Context) {
	for {
		packet, err := s.tunnel.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Warn("tunnel recv failed", "error", err)
			}
			return
		}

		s.packetsReceived.Add(1)
		s.capture(packet)
		s.ipInput(packet)
	}
}

// Close shuts down all sockets and stops reading from the tunnel. It is
// idempotent.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.timers.Stop()

		s.tcpMu.Lock()
		conns := make([]*TCPConn, 0, len(s.tcpConns))
		for _, c := range s.tcpConns {
			conns = append(conns, c)
		}
		for _, l := range s.tcpListeners {
			conns = append(conns, l)
		}
		s.tcpMu.Unlock()
		for _, c := range conns {
			c.abort()
		}

		s.udpMu.Lock()
		for _, u := range s.udpSockets {
			u.closeLocked()
		}
		s.udpSockets = map[uint16]*UDPConn{}
		s.udpMu.Unlock()
	})
}

// Metrics returns a snapshot of packet and buffer counters.
func (s *Stack) Metrics() Metrics {
	return Metrics{
		PacketsReceived:      s.packetsReceived.Load(),
		PacketsSent:          s.packetsSent.Load(),
		PacketsRetransmitted: s.packetsRetransmitted.Load(),
		Buffers:              netbuf.Metrics(),
	}
}

func (s *Stack) sendPacket(packet []byte) error {
	s.packetsSent.Add(1)
	s.capture(packet)
	return s.tunnel.Send(packet)
}

// localAddrFor picks the stack's source address for a given destination
// address family.
func (s *Stack) localAddrFor(dest netip.Addr) netip.Addr {
	if dest.Is4() {
		return s.localV4
	}
	return s.localV6
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var (
	// ErrPortInUse is returned by ListenTCP/ListenUDP when the requested
	// local port already has a socket bound to it.
	ErrPortInUse = errors.New("netstack: port already in use")

	// ErrConnectionFailed is returned by DialTCP when the handshake does
	// not complete (peer reset, or the response timer's retry budget
	// expired waiting for a SYN-ACK).
	ErrConnectionFailed = errors.New("netstack: connection failed")

	// ErrConnectionClosed is returned by TCPConn.Write once the connection
	// is Closed, by Accept once the listener is closed, and by UDPConn's
	// RecvFrom/SendTo after Close. TCPConn.Read reports end of stream as
	// io.EOF instead.
	ErrConnectionClosed = errors.New("netstack: connection closed")

	// ErrNoListener names the condition of no socket being bound to a
	// destination port. No function in this package returns it: an inbound
	// UDP datagram for an unbound port is logged and dropped.
	ErrNoListener = errors.New("netstack: no listener on port")
)

func (s *Stack) ipInput(packet []byte) {
	if len(packet) == 0 {
		return
	}

	version := packet[0] >> 4
	switch version {
	case 4:
		s.ipv4Input(packet)
	case 6:
		s.ipv6Input(packet)
	default:
		s.log.Debug("dropping packet with unsupported IP version", "version", version)
	}
}

func (s *Stack) demuxTransport(protocol uint8, payload *netbuf.Buffer, src, dst netip.Addr) {
	switch protocol {
	case protoICMPv4, protoICMPv6:
		s.icmpInput(payload, src, dst, protocol == protoICMPv6)
	case protoTCP:
		s.tcpInput(payload, src, dst)
	case protoUDP:
		s.udpInput(payload, src, dst)
	default:
		s.log.Debug("dropping packet with unknown protocol", "protocol", protocolString(protocol))
		payload.Release()
	}
}

func protocolString(p uint8) string {
	switch p {
	case protoICMPv4:
		return "icmpv4"
	case protoICMPv6:
		return "icmpv6"
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", p)
	}
}
