package netstack

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/jbush001/netstack/internal/netbuf"
	"github.com/jbush001/netstack/internal/nettimer"
)

// waitOnContext wakes the condition variable if ctx is cancelled while
// something is blocked in cond.Wait, so the waiter can observe ctx.Err().
// The caller must already hold cond.L; the returned cleanup must be deferred.
func waitOnContext(ctx context.Context, cond *sync.Cond) (cleanup func()) {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-done:
		}
	}()
	return func() { close(done) }
}

const tcpHeaderLen = 20

type tcpFlags uint8

const (
	flagFIN tcpFlags = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
)

func (f tcpFlags) String() string {
	s := ""
	for _, c := range []struct {
		bit tcpFlags
		ch  byte
	}{{flagFIN, 'F'}, {flagSYN, 'S'}, {flagRST, 'R'}, {flagPSH, 'P'}, {flagACK, 'A'}} {
		if f&c.bit != 0 {
			s += string(c.ch)
		}
	}
	return s
}

// tcpState is one of the eleven connection states of RFC 9293 §3.3.2.
type tcpState int

const (
	stateClosed tcpState = iota
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateClosing
	stateCloseWait
	stateLastAck
	stateTimeWait
)

func (s tcpState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN-SENT"
	case stateSynReceived:
		return "SYN-RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinWait1:
		return "FIN-WAIT-1"
	case stateFinWait2:
		return "FIN-WAIT-2"
	case stateClosing:
		return "CLOSING"
	case stateCloseWait:
		return "CLOSE-WAIT"
	case stateLastAck:
		return "LAST-ACK"
	case stateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

type tcpFourTuple struct {
	remoteIP   netip.Addr
	remotePort uint16
	localPort  uint16
}

// tcpReassembler reorders incoming TCP segments by sequence number. In
// order segments are returned immediately; out of order ones are held,
// unordered, until the gap closes. The out-of-order list is a plain slice
// rather than anything sorted: connections rarely have more than a couple
// of segments outstanding, so the scan cost is noise next to the
// complexity of keeping it ordered.
type tcpReassembler struct {
	nextSequence uint32
	outOfOrder   []oooSegment
}

type oooSegment struct {
	seq uint32
	buf *netbuf.Buffer
}

func (r *tcpReassembler) setNextExpect(seq uint32) {
	r.nextSequence = seq
}

func (r *tcpReassembler) getNextExpect() uint32 {
	return r.nextSequence
}

// addPacket folds packet into the reassembled stream if it arrived in
// order, returning the (possibly extended, by now-contiguous out-of-order
// segments) buffer to deliver. If packet is out of order it is queued and
// addPacket returns nil.
func (r *tcpReassembler) addPacket(packet *netbuf.Buffer, seqNum uint32) *netbuf.Buffer {
	if seqNum != r.nextSequence {
		r.outOfOrder = append(r.outOfOrder, oooSegment{seq: seqNum, buf: packet})
		return nil
	}

	r.nextSequence += uint32(packet.Len())

	i := 0
	for i < len(r.outOfOrder) {
		switch {
		case seqGT(r.nextSequence, r.outOfOrder[i].seq):
			// Stale segment, already covered by what we just delivered.
			r.outOfOrder = append(r.outOfOrder[:i], r.outOfOrder[i+1:]...)
		case r.outOfOrder[i].seq == r.nextSequence:
			seg := r.outOfOrder[i]
			r.outOfOrder = append(r.outOfOrder[:i], r.outOfOrder[i+1:]...)
			r.nextSequence += uint32(seg.buf.Len())
			packet.AppendBuffer(seg.buf)
			i = 0
		default:
			i++
		}
	}

	return packet
}

// TCPConn is a TCP connection or, when in the Listen state, a listening
// socket whose acceptQueue fills with newly established children.
type TCPConn struct {
	stack *Stack

	mu   sync.Mutex
	cond *sync.Cond

	remoteIP   netip.Addr
	remotePort uint16
	localPort  uint16
	state      tcpState

	receiveQueue        *netbuf.Buffer
	reassembler         tcpReassembler
	delayedACKTimer     int
	numDelayedACKs      int
	highestSeqReceived  uint32

	sendUnacked    uint32
	sendNextSeq    uint32
	sendWindow     uint32
	sendLastWinSeq uint32
	sendLastWinAck uint32

	retransmitQueue   *netbuf.Buffer
	retransmitTimer   int
	responseTimer     int
	requestRetryCount int
	transmitMSS       int

	acceptQueue []*TCPConn

	closed bool
}

func newTCPConn(stack *Stack, remoteIP netip.Addr, remotePort, localPort uint16) *TCPConn {
	initialSeq := rand.Uint32()
	c := &TCPConn{
		stack:           stack,
		remoteIP:        remoteIP,
		remotePort:      remotePort,
		localPort:       localPort,
		state:           stateClosed,
		receiveQueue:    netbuf.New(),
		retransmitQueue: netbuf.New(),
		delayedACKTimer: nettimer.NoTimer,
		retransmitTimer: nettimer.NoTimer,
		responseTimer:   nettimer.NoTimer,
		transmitMSS:     defaultTCPMSS,
		sendNextSeq:     initialSeq,
		sendUnacked:     initialSeq,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *TCPConn) fourTuple() tcpFourTuple {
	return tcpFourTuple{remoteIP: c.remoteIP, remotePort: c.remotePort, localPort: c.localPort}
}

// setState must be called with c.mu held.
func (c *TCPConn) setState(s tcpState) {
	c.stack.log.Debug("tcp: state transition", "local_port", c.localPort, "remote", c.remoteIP, "from", c.state, "to", s)
	c.state = s
	c.requestRetryCount = 0
}

func (c *TCPConn) isEstablished() bool {
	return c.state != stateClosed && c.state != stateSynSent && c.state != stateTimeWait
}

// DialTCP opens a connection to remoteIP:remotePort and blocks until the
// handshake completes, fails, or ctx is done.
func (s *Stack) DialTCP(ctx context.Context, remoteIP netip.Addr, remotePort uint16) (*TCPConn, error) {
	s.tcpMu.Lock()
	localPort, err := s.allocateEphemeralTCPPortLocked(remoteIP, remotePort)
	if err != nil {
		s.tcpMu.Unlock()
		return nil, err
	}

	conn := newTCPConn(s, remoteIP, remotePort, localPort)
	s.tcpConns[conn.fourTuple()] = conn
	s.tcpMu.Unlock()

	conn.mu.Lock()
	conn.setState(stateSynSent)
	conn.sendSegment(netbuf.New(), flagSYN)
	conn.setResponseTimer()

	cleanup := waitOnContext(ctx, conn.cond)
	defer cleanup()

	for conn.state != stateEstablished && conn.state != stateClosed {
		if ctx != nil && ctx.Err() != nil {
			conn.mu.Unlock()
			return nil, ctx.Err()
		}
		conn.cond.Wait()
	}
	failed := conn.state == stateClosed
	conn.mu.Unlock()

	if failed {
		return nil, ErrConnectionFailed
	}
	return conn, nil
}

func (s *Stack) allocateEphemeralTCPPortLocked(remoteIP netip.Addr, remotePort uint16) (uint16, error) {
	for port := ephemeralPortBase; port <= 0xffff; port++ {
		key := tcpFourTuple{remoteIP: remoteIP, remotePort: remotePort, localPort: uint16(port)}
		if _, exists := s.tcpConns[key]; !exists {
			return uint16(port), nil
		}
	}
	return 0, errors.New("netstack: no ephemeral TCP ports available")
}

// ListenTCP opens a socket that accepts incoming connections on port.
func (s *Stack) ListenTCP(port uint16) (*TCPConn, error) {
	s.tcpMu.Lock()
	defer s.tcpMu.Unlock()

	if _, exists := s.tcpListeners[port]; exists {
		return nil, ErrPortInUse
	}

	conn := newTCPConn(s, netip.Addr{}, 0, port)
	conn.state = stateListen
	s.tcpListeners[port] = conn
	return conn, nil
}

// Accept blocks until an incoming connection is queued on the listener,
// ctx is done, or the listener is closed. A connection is queued as soon as
// its SYN arrives and the SYN-ACK has been sent, so the returned connection
// may still be in SYN-RECEIVED.
func (c *TCPConn) Accept(ctx context.Context) (*TCPConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cleanup := waitOnContext(ctx, c.cond)
	defer cleanup()

	for len(c.acceptQueue) == 0 && c.state == stateListen {
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.cond.Wait()
	}
	if c.state != stateListen {
		return nil, ErrConnectionClosed
	}

	child := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	return child, nil
}

// Close begins an orderly shutdown (or, for a listener, stops accepting).
func (c *TCPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateListen:
		localPort := c.localPort
		c.setState(stateClosed)
		c.cond.Broadcast()
		c.stack.tcpMu.Lock()
		delete(c.stack.tcpListeners, localPort)
		c.stack.tcpMu.Unlock()

	case stateEstablished:
		c.sendSegment(netbuf.New(), flagFIN|flagACK)
		c.setResponseTimer()
		c.setState(stateFinWait1)

	case stateCloseWait:
		c.sendSegment(netbuf.New(), flagFIN|flagACK)
		c.setResponseTimer()
		c.setState(stateLastAck)
	}

	return nil
}

// abort forces a connection to Closed, used when the stack itself is
// shutting down.
func (c *TCPConn) abort() {
	c.mu.Lock()
	c.setState(stateClosed)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Read blocks until data is available, returning io.EOF once the peer has
// finished sending and no more buffered data remains.
func (c *TCPConn) Read(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if !c.receiveQueue.IsEmpty() {
			n := c.receiveQueue.CopyToSlice(data)
			c.receiveQueue.TrimHead(n)
			return n, nil
		}

		if c.state != stateSynReceived && c.state != stateEstablished && c.state != stateFinWait1 && c.state != stateFinWait2 {
			return 0, io.EOF
		}

		c.cond.Wait()
	}
}

// Write blocks until all of data has been queued for transmission,
// respecting the peer's advertised window.
func (c *TCPConn) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return 0, ErrConnectionClosed
	}

	offset := 0
	for offset < len(data) {
		segLen := min(len(data)-offset, c.transmitMSS)
		windowEnd := c.sendUnacked + c.sendWindow
		if seqGT(c.sendNextSeq+uint32(segLen), windowEnd) {
			c.cond.Wait()
			if c.state == stateClosed {
				return offset, ErrConnectionClosed
			}
			continue
		}

		chunk := data[offset : offset+segLen]
		packet := netbuf.New()
		packet.AppendFromSlice(chunk)
		c.sendSegment(packet, flagACK|flagPSH)
		c.sendNextSeq += uint32(segLen)
		c.retransmitQueue.AppendFromSlice(chunk)
		offset += segLen

		if c.retransmitTimer == nettimer.NoTimer {
			c.retransmitTimer = c.stack.timers.Set(retransmitInterval, func() { c.retransmit() })
		}
	}

	return len(data), nil
}

func (c *TCPConn) retransmit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return
	}

	c.stack.packetsRetransmitted.Add(1)

	if !c.retransmitQueue.IsEmpty() {
		packet := netbuf.New()
		packet.AppendFromBuffer(c.retransmitQueue, c.transmitMSS)
		// The queued data starts at sendUnacked, so the resend carries that
		// sequence number rather than sendNextSeq.
		nextSeq := c.sendNextSeq
		c.sendNextSeq = c.sendUnacked
		c.sendSegment(packet, flagACK|flagPSH)
		c.sendNextSeq = nextSeq
		c.retransmitTimer = c.stack.timers.Set(retransmitInterval, func() { c.retransmit() })
	}
}

// sendSegment builds and transmits a TCP segment, computing the ack number
// and window from current socket state. Must be called with c.mu held.
func (c *TCPConn) sendSegment(packet *netbuf.Buffer, flags tcpFlags) {
	receiveWindow := uint16(maxReceiveWindow - c.receiveQueue.Len())

	// The FIN we're acknowledging consumes a sequence number, but only
	// once we've delivered everything that came before it.
	ackSeq := c.reassembler.getNextExpect()
	switch c.state {
	case stateFinWait1, stateFinWait2, stateClosing, stateCloseWait:
		if c.highestSeqReceived == c.reassembler.getNextExpect() {
			ackSeq++
		}
	}

	var options []byte
	if flags&flagSYN != 0 {
		options = []byte{2, 4, byte(0x5dc >> 8), byte(0x5dc & 0xff)} // MSS option, 1500
	}

	c.tcpOutput(packet, tcpSendParams{
		sourcePort: c.localPort,
		destIP:     c.remoteIP,
		destPort:   c.remotePort,
		seqNum:     c.sendNextSeq,
		ackNum:     ackSeq,
		flags:      flags,
		window:     receiveWindow,
		options:    options,
	})
}

type tcpSendParams struct {
	sourcePort uint16
	destIP     netip.Addr
	destPort   uint16
	seqNum     uint32
	ackNum     uint32
	flags      tcpFlags
	window     uint16
	options    []byte
}

func (c *TCPConn) tcpOutput(packet *netbuf.Buffer, p tcpSendParams) {
	c.stack.tcpOutputRaw(packet, p)
}

func (s *Stack) tcpOutputRaw(packet *netbuf.Buffer, p tcpSendParams) {
	headerLen := tcpHeaderLen + len(p.options)
	header := packet.AllocHeader(headerLen)
	packetLen := packet.Len()

	binary.BigEndian.PutUint16(header[0:2], p.sourcePort)
	binary.BigEndian.PutUint16(header[2:4], p.destPort)
	binary.BigEndian.PutUint32(header[4:8], p.seqNum)
	binary.BigEndian.PutUint32(header[8:12], p.ackNum)
	header[12] = byte((headerLen / 4) << 4)
	header[13] = byte(p.flags)
	binary.BigEndian.PutUint16(header[14:16], p.window)
	header[16], header[17], header[18], header[19] = 0, 0, 0, 0
	if len(p.options) > 0 {
		copy(header[20:20+len(p.options)], p.options)
	}

	src := s.localAddrFor(p.destIP)
	sum := pseudoHeaderChecksum(src, p.destIP, packetLen, protoTCP)
	sum = bufferOnesComplementSum(sum, packet) ^ 0xffff
	header = packet.Header(headerLen)
	binary.BigEndian.PutUint16(header[16:18], sum)

	var err error
	if p.destIP.Is4() {
		err = s.ipv4Output(packet, protoTCP, p.destIP)
	} else {
		err = s.ipv6Output(packet, protoTCP, p.destIP)
	}
	if err != nil {
		s.log.Debug("tcp: send failed", "error", err)
	}
}

func (c *TCPConn) setResponseTimer() {
	if c.responseTimer != nettimer.NoTimer {
		c.stack.timers.Cancel(c.responseTimer)
	}
	c.responseTimer = c.stack.timers.Set(responseTimeout, func() { c.responseTimeout() })
}

func (c *TCPConn) responseTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requestRetryCount >= maxRetries {
		c.setState(stateClosed)
		c.cond.Broadcast()
		return
	}
	c.requestRetryCount++

	switch c.state {
	case stateClosed, stateEstablished:
		// The timer fired as the connection was transitioning away from
		// the state it was armed for; nothing to do.
		return

	case stateSynSent:
		c.sendSegment(netbuf.New(), flagSYN)

	case stateFinWait1, stateLastAck:
		c.sendSegment(netbuf.New(), flagFIN)

	case stateClosing, stateCloseWait:
		c.sendSegment(netbuf.New(), flagACK)

	default:
		return
	}

	c.setResponseTimer()
}

func (c *TCPConn) timeWaitTimeout() {
	c.mu.Lock()
	c.setState(stateClosed)
	remoteIP, remotePort, localPort := c.remoteIP, c.remotePort, c.localPort
	c.receiveQueue.Release()
	c.retransmitQueue.Release()
	c.mu.Unlock()

	c.stack.tcpMu.Lock()
	delete(c.stack.tcpConns, tcpFourTuple{remoteIP: remoteIP, remotePort: remotePort, localPort: localPort})
	c.stack.tcpMu.Unlock()
}

type tcpHeaderOptions struct {
	maxSegmentSize int
}

func parseTCPOptions(raw []byte) tcpHeaderOptions {
	var opts tcpHeaderOptions

	offset := 0
	for offset < len(raw) {
		optType := raw[offset]
		if optType == 0 { // end of options
			break
		}
		if optType == 1 { // no-op
			offset++
			continue
		}
		if offset+1 >= len(raw) {
			break
		}
		optLen := int(raw[offset+1])
		if optLen < 2 || offset+optLen > len(raw) {
			break
		}
		if optType == 2 && optLen == 4 {
			opts.maxSegmentSize = int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		}
		offset += optLen
	}

	return opts
}

// tcpInput is the top-level entry point for an inbound TCP segment, after
// IP has stripped its own header and handed us the remainder.
func (s *Stack) tcpInput(packet *netbuf.Buffer, srcIP, dstIP netip.Addr) {
	packetLen := packet.Len()
	if packetLen < tcpHeaderLen {
		packet.Release()
		return
	}

	sum := pseudoHeaderChecksum(srcIP, dstIP, packetLen, protoTCP)
	if bufferOnesComplementSum(sum, packet)^0xffff != 0 {
		s.log.Debug("tcp: checksum error")
		packet.Release()
		return
	}

	header := packet.Header(tcpHeaderLen)
	srcPort := binary.BigEndian.Uint16(header[0:2])
	dstPort := binary.BigEndian.Uint16(header[2:4])
	seqNum := binary.BigEndian.Uint32(header[4:8])
	ackNum := binary.BigEndian.Uint32(header[8:12])
	headerLen := int(header[12]>>4) * 4
	flags := tcpFlags(header[13])
	remoteWindow := binary.BigEndian.Uint16(header[14:16])

	if headerLen < tcpHeaderLen || headerLen > packetLen {
		packet.Release()
		return
	}
	fullHeader := packet.Header(headerLen)
	opts := parseTCPOptions(fullHeader[tcpHeaderLen:headerLen])
	packet.TrimHead(headerLen)

	key := tcpFourTuple{remoteIP: srcIP, remotePort: srcPort, localPort: dstPort}

	s.tcpMu.Lock()
	conn, ok := s.tcpConns[key]
	if !ok {
		listener, hasListener := s.tcpListeners[dstPort]
		if !hasListener || flags&flagSYN == 0 {
			s.tcpMu.Unlock()
			packet.Release()
			s.sendTCPReset(dstPort, srcIP, srcPort, seqNum)
			return
		}

		newConn := s.handleNewConnection(listener, srcIP, srcPort, dstPort, seqNum, ackNum, remoteWindow, opts.maxSegmentSize)
		s.tcpConns[key] = newConn
		s.tcpMu.Unlock()
		packet.Release()
		return
	}
	s.tcpMu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if opts.maxSegmentSize != 0 {
		conn.transmitMSS = opts.maxSegmentSize
	}

	if conn.responseTimer != nettimer.NoTimer {
		s.timers.Cancel(conn.responseTimer)
		conn.responseTimer = nettimer.NoTimer
	}

	if flags&flagRST != 0 {
		packet.Release()
		conn.setState(stateClosed)
		conn.cond.Broadcast()
		return
	}

	if !packet.IsEmpty() {
		conn.highestSeqReceived = seqWrappingMax(conn.highestSeqReceived, seqNum+uint32(packet.Len()))
		if assembled := conn.reassembler.addPacket(packet, seqNum); assembled != nil {
			conn.receiveQueue.AppendBuffer(assembled)
			conn.cond.Broadcast()
		}

		if conn.state == stateEstablished {
			conn.numDelayedACKs++
			switch {
			case conn.numDelayedACKs >= maxDelayedACKs || flags&flagFIN != 0:
				conn.numDelayedACKs = 0
				if conn.delayedACKTimer != nettimer.NoTimer {
					s.timers.Cancel(conn.delayedACKTimer)
					conn.delayedACKTimer = nettimer.NoTimer
				}
				conn.sendSegment(netbuf.New(), flagACK)
			case conn.delayedACKTimer == nettimer.NoTimer:
				conn.delayedACKTimer = s.timers.Set(maxACKDelay, func() { conn.sendDelayedACK() })
			}
		} else {
			if conn.delayedACKTimer != nettimer.NoTimer {
				s.timers.Cancel(conn.delayedACKTimer)
				conn.delayedACKTimer = nettimer.NoTimer
			}
			conn.sendSegment(netbuf.New(), flagACK)
		}
	} else {
		packet.Release()
	}

	if flags&flagACK != 0 && conn.isEstablished() {
		if seqLT(conn.sendUnacked, ackNum) && seqLE(ackNum, conn.sendNextSeq) {
			trim := int(ackNum - conn.sendUnacked)
			conn.retransmitQueue.TrimHead(trim)
			if conn.retransmitQueue.IsEmpty() && conn.retransmitTimer != nettimer.NoTimer {
				s.timers.Cancel(conn.retransmitTimer)
				conn.retransmitTimer = nettimer.NoTimer
			}
			conn.sendUnacked = ackNum
		}

		if seqLE(conn.sendUnacked, ackNum) && seqLE(ackNum, conn.sendNextSeq) &&
			(seqLT(conn.sendLastWinSeq, seqNum) ||
				(conn.sendLastWinSeq == seqNum && seqLE(conn.sendLastWinAck, ackNum))) {
			conn.sendWindow = uint32(remoteWindow)
			conn.sendLastWinSeq = seqNum
			conn.sendLastWinAck = ackNum
			conn.cond.Broadcast()
		}
	}

	conn.handleStateTransition(flags, seqNum, ackNum, remoteWindow)
}

func (c *TCPConn) sendDelayedACK() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.sendSegment(netbuf.New(), flagACK)
	c.delayedACKTimer = nettimer.NoTimer
	c.numDelayedACKs = 0
}

// handleStateTransition applies the RFC 9293 §3.10.7 state table. Must be
// called with c.mu held.
func (c *TCPConn) handleStateTransition(flags tcpFlags, seqNum, ackNum uint32, remoteWindow uint16) {
	switch c.state {
	case stateSynSent:
		if flags&flagACK != 0 {
			c.setState(stateEstablished)
			c.highestSeqReceived = seqNum + 1
			c.reassembler.setNextExpect(seqNum + 1)
			c.sendWindow = uint32(remoteWindow)
			c.sendLastWinSeq = seqNum
			c.sendLastWinAck = ackNum
			c.sendUnacked = ackNum
			c.sendNextSeq++ // SYN consumed a sequence number
			c.sendSegment(netbuf.New(), flagACK)
			c.setResponseTimer()
			c.cond.Broadcast()
		}

	case stateSynReceived:
		if flags&flagACK != 0 {
			c.setState(stateEstablished)
			c.sendNextSeq++
			c.sendUnacked = ackNum
		}

	case stateEstablished:
		if flags&flagFIN != 0 {
			c.setState(stateCloseWait)
			c.cond.Broadcast()
		}

	case stateLastAck:
		if flags&flagACK != 0 {
			c.setState(stateClosed)
		}

	case stateFinWait1:
		switch {
		case flags&flagACK != 0 && flags&flagFIN != 0 && ackNum == c.sendNextSeq+1:
			c.setState(stateTimeWait)
			c.stack.timers.Set(timeWaitTimeout, func() { c.timeWaitTimeout() })
		case flags&flagFIN != 0:
			c.setState(stateClosing)
			c.sendSegment(netbuf.New(), flagACK)
			c.setResponseTimer()
		case flags&flagACK != 0 && ackNum == c.sendNextSeq+1:
			c.setState(stateFinWait2)
		}

	case stateFinWait2:
		if flags&flagFIN != 0 {
			c.sendSegment(netbuf.New(), flagACK)
			c.setResponseTimer()
			c.setState(stateTimeWait)
			c.stack.timers.Set(timeWaitTimeout, func() { c.timeWaitTimeout() })
		}

	case stateClosing:
		if flags&flagACK != 0 {
			c.setState(stateTimeWait)
			c.stack.timers.Set(timeWaitTimeout, func() { c.timeWaitTimeout() })
		}
	}
}

func (s *Stack) handleNewConnection(listener *TCPConn, srcIP netip.Addr, srcPort, dstPort uint16, seqNum, ackNum uint32, remoteWindow uint16, mss int) *TCPConn {
	conn := newTCPConn(s, srcIP, srcPort, dstPort)

	conn.mu.Lock()
	conn.setState(stateSynReceived)
	if mss != 0 {
		conn.transmitMSS = mss
	}
	conn.highestSeqReceived = seqNum + 1
	conn.reassembler.setNextExpect(seqNum + 1)
	conn.sendSegment(netbuf.New(), flagSYN|flagACK)
	conn.sendUnacked = seqNum
	conn.sendLastWinAck = ackNum
	conn.sendLastWinSeq = seqNum
	conn.sendWindow = uint32(remoteWindow)
	conn.setResponseTimer()
	conn.mu.Unlock()

	listener.mu.Lock()
	listener.acceptQueue = append(listener.acceptQueue, conn)
	listener.cond.Broadcast()
	listener.mu.Unlock()

	return conn
}

func (s *Stack) sendTCPReset(localPort uint16, destIP netip.Addr, destPort uint16, peerSeq uint32) {
	s.tcpOutputRaw(netbuf.New(), tcpSendParams{
		sourcePort: localPort,
		destIP:     destIP,
		destPort:   destPort,
		seqNum:     1,
		ackNum:     peerSeq + 1,
		flags:      flagRST | flagACK,
		window:     0,
	})
}
