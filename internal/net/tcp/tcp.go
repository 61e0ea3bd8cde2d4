// Package tcp implements the TCP connection state machine: a
// standards-informed, not RFC-793-complete, state machine over an IP
// transmit/receive pair. Segment framing uses gopacket/layers instead of
// hand-rolled byte layout, and retransmission backoff uses
// cenkalti/backoff/v5, generalized from "one retried call" to "one
// retried unacknowledged segment per connection".
package tcp

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iansmith/alteo/internal/kerr"
)

// State is one of eleven TCP connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

const (
	maxConnections  = 64
	sendBufferSize  = 16 * 1024
	recvBufferSize  = 16 * 1024
	defaultMSS      = 1460
	maxRetries      = 5
	timeWaitTicks   = 2 * 60 // 2MSL-equivalent, in scheduler ticks
)

// Endpoint is {ip, port}.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Conn is one TCP connection record.
type Conn struct {
	Active    bool
	State     State
	Local     Endpoint
	Remote    Endpoint
	SndUna    uint32
	SndNxt    uint32
	SndWnd    uint16
	RcvNxt    uint32
	RcvWnd    uint16
	ISS       uint32

	SendBuf    []byte
	RecvBuf    []byte
	RecvReadPos int

	RetransmitDeadline time.Time
	RetryCount         int
	backoffState       *backoff.ExponentialBackOff
}

// IPTransport is the narrow send/receive contract this core consumes
// from the out-of-scope Ethernet/IP/ARP/E1000 link: TransmitIP hands
// a fully-formed IP payload down. Inbound segments arrive the other way,
// through Table.HandleSegment, which internal/net/ipstub's Dispatch calls.
type IPTransport interface {
	TransmitIP(dstIP net.IP, protocol layers.IPProtocol, payload []byte) error
}

// Table owns every TCP connection record.
type Table struct {
	conns     [maxConnections]Conn
	transport IPTransport
	localIP   net.IP
	log       logr.Logger
}

var global *Table

// Init builds the connection table bound to transport for outbound
// segments, using localIP as the source address for every connection.
func Init(log logr.Logger, transport IPTransport, localIP net.IP) *Table {
	t := &Table{transport: transport, localIP: localIP, log: log}
	global = t
	if log.GetSink() != nil {
		log.Info("tcp table initialized", "maxConnections", maxConnections, "localIP", localIP.String())
	}
	return t
}

// Global returns the singleton built by Init.
func Global() *Table { return global }

func (t *Table) allocConn() (int, bool) {
	for i := range t.conns {
		if !t.conns[i].Active {
			return i, true
		}
	}
	return -1, false
}

// Listen creates a passive-open connection on port.
func (t *Table) Listen(port uint16) (int, error) {
	idx, ok := t.allocConn()
	if !ok {
		return -1, kerr.ErrExhausted
	}
	t.conns[idx] = Conn{
		Active: true,
		State:  StateListen,
		Local:  Endpoint{IP: t.localIP, Port: port},
		SendBuf: make([]byte, 0, sendBufferSize),
		RecvBuf: make([]byte, 0, recvBufferSize),
		RcvWnd:  recvBufferSize,
	}
	return idx, nil
}

// Connect creates an active-open connection to remote, sending the
// initial SYN.
func (t *Table) Connect(remote Endpoint) (int, error) {
	idx, ok := t.allocConn()
	if !ok {
		return -1, kerr.ErrExhausted
	}
	iss := initialSeq()
	c := &t.conns[idx]
	*c = Conn{
		Active:  true,
		State:   StateSynSent,
		Local:   Endpoint{IP: t.localIP, Port: ephemeralPort()},
		Remote:  remote,
		ISS:     iss,
		SndUna:  iss,
		SndNxt:  iss + 1,
		SndWnd:  defaultMSS,
		RcvWnd:  recvBufferSize,
		SendBuf: make([]byte, 0, sendBufferSize),
		RecvBuf: make([]byte, 0, recvBufferSize),
	}
	t.sendSegment(c, layers.TCPFlagSYN, nil)
	c.RetransmitDeadline = time.Now().Add(retransmitTimeout(c))
	return idx, nil
}

var pseudoRandomState uint32 = 0x12345678

// initialSeq and ephemeralPort use a simple linear congruential
// generator rather than crypto/rand: ISNs here only need to differ
// across connections, not resist prediction.
func initialSeq() uint32 {
	pseudoRandomState = pseudoRandomState*1103515245 + 12345
	return pseudoRandomState
}

func ephemeralPort() uint16 {
	pseudoRandomState = pseudoRandomState*1103515245 + 12345
	return uint16(49152 + (pseudoRandomState % 16384))
}

// Send queues payload in the send buffer and emits segments bounded by
// MSS and the receiver's advertised window.
func (t *Table) Send(connID int, payload []byte) (int, error) {
	c, err := t.getActive(connID)
	if err != nil {
		return 0, err
	}
	if c.State != StateEstablished && c.State != StateCloseWait {
		return 0, kerr.ErrInvalid
	}

	c.SendBuf = append(c.SendBuf, payload...)

	mss := int(defaultMSS)
	for len(c.SendBuf) > 0 {
		chunk := mss
		if chunk > len(c.SendBuf) {
			chunk = len(c.SendBuf)
		}
		if chunk > int(c.SndWnd) {
			chunk = int(c.SndWnd)
		}
		if chunk == 0 {
			break
		}
		t.sendSegment(c, layers.TCPFlagPSH|layers.TCPFlagACK, c.SendBuf[:chunk])
		c.SndNxt += uint32(chunk)
		c.SendBuf = c.SendBuf[chunk:]
	}
	c.RetransmitDeadline = time.Now().Add(retransmitTimeout(c))
	return len(payload), nil
}

// Recv copies up to len(buf) unread bytes out of the connection's receive
// buffer.
func (t *Table) Recv(connID int, buf []byte) (int, error) {
	c, err := t.getActive(connID)
	if err != nil {
		return 0, err
	}
	available := len(c.RecvBuf) - c.RecvReadPos
	if available <= 0 {
		return 0, nil
	}
	n := copy(buf, c.RecvBuf[c.RecvReadPos:])
	c.RecvReadPos += n
	return n, nil
}

// Close begins the active-close path.
func (t *Table) Close(connID int) error {
	c, err := t.getActive(connID)
	if err != nil {
		return err
	}
	switch c.State {
	case StateEstablished:
		t.sendSegment(c, layers.TCPFlagFIN|layers.TCPFlagACK, nil)
		c.SndNxt++
		c.State = StateFinWait1
	case StateCloseWait:
		t.sendSegment(c, layers.TCPFlagFIN|layers.TCPFlagACK, nil)
		c.SndNxt++
		c.State = StateLastAck
	default:
		return kerr.ErrInvalid
	}
	return nil
}

func (t *Table) getActive(connID int) (*Conn, error) {
	if connID < 0 || connID >= maxConnections || !t.conns[connID].Active {
		return nil, kerr.ErrInvalid
	}
	return &t.conns[connID], nil
}

// sendSegment is indirected through transmitFn so tests can capture
// outgoing segments instead of requiring a real IPTransport.
var transmitFn = func(t *Table, c *Conn, flags layers.TCPFlags, payload []byte) {
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(c.Local.Port),
		DstPort: layers.TCPPort(c.Remote.Port),
		Seq:     c.SndNxt,
		Ack:     c.RcvNxt,
		SYN:     flags&layers.TCPFlagSYN != 0,
		ACK:     flags&layers.TCPFlagACK != 0,
		FIN:     flags&layers.TCPFlagFIN != 0,
		PSH:     flags&layers.TCPFlagPSH != 0,
		RST:     flags&layers.TCPFlagRST != 0,
		Window:  c.RcvWnd,
	}
	tcpLayer.SetNetworkLayerForChecksum(&layers.IPv4{SrcIP: c.Local.IP, DstIP: c.Remote.IP, Protocol: layers.IPProtocolTCP})

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	_ = gopacket.SerializeLayers(buf, opts, tcpLayer, gopacket.Payload(payload))

	if t.transport != nil {
		_ = t.transport.TransmitIP(c.Remote.IP, layers.IPProtocolTCP, buf.Bytes())
	}
}

func (t *Table) sendSegment(c *Conn, flags layers.TCPFlags, payload []byte) {
	transmitFn(t, c, flags, payload)
}

// retransmitTimeout asks cenkalti/backoff/v5 for the next bounded
// retransmission interval, keyed by the connection's retry count so
// repeated unacknowledged segments back off exponentially.
func retransmitTimeout(c *Conn) time.Duration {
	if c.backoffState == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 6400 * time.Millisecond
		b.Multiplier = 2
		c.backoffState = b
	}
	d := c.backoffState.NextBackOff()
	if d == backoff.Stop {
		return b6400
	}
	return d
}

const b6400 = 6400 * time.Millisecond

// HandleRetransmitTimers is called from socket.Table.Poll. For a
// connection whose retransmit deadline has passed and that still has
// unacknowledged data, each expiry sends an empty ACK segment and backs
// off the deadline. Send drops bytes from SendBuf once they are emitted,
// so the unacknowledged payload itself is not resent. After maxRetries
// expiries the connection is closed and its slot freed.
func (t *Table) HandleRetransmitTimers(now time.Time) {
	for i := range t.conns {
		c := &t.conns[i]
		if !c.Active || c.RetransmitDeadline.IsZero() {
			continue
		}
		if now.Before(c.RetransmitDeadline) {
			continue
		}
		if c.SndUna == c.SndNxt {
			c.RetransmitDeadline = time.Time{}
			c.RetryCount = 0
			if c.backoffState != nil {
				c.backoffState.Reset()
			}
			continue
		}

		c.RetryCount++
		if c.RetryCount > maxRetries {
			c.State = StateClosed
			c.Active = false
			if t.log.GetSink() != nil {
				t.log.Info("tcp connection reset after exhausting retries", "local", c.Local.Port, "remote", c.Remote.Port)
			}
			continue
		}

		t.sendSegment(c, layers.TCPFlagACK, nil)
		c.RetransmitDeadline = now.Add(retransmitTimeout(c))
	}
}

// HandleSegment processes one inbound TCP segment against the matching
// connection, advancing its state machine.
func (t *Table) HandleSegment(src Endpoint, dst Endpoint, seg *layers.TCP, payload []byte) {
	for i := range t.conns {
		c := &t.conns[i]
		if !c.Active {
			continue
		}
		if c.Local.Port != dst.Port {
			continue
		}
		if c.State != StateListen && (c.Remote.Port != src.Port || !c.Remote.IP.Equal(src.IP)) {
			continue
		}
		t.advance(c, src, seg, payload)
		return
	}
}

func (t *Table) advance(c *Conn, src Endpoint, seg *layers.TCP, payload []byte) {
	// The peer's advertised window bounds what Send may emit.
	if seg.SYN || seg.ACK {
		c.SndWnd = seg.Window
	}
	switch c.State {
	case StateListen:
		if seg.SYN {
			c.Remote = src
			c.RcvNxt = seg.Seq + 1
			c.ISS = initialSeq()
			c.SndUna = c.ISS
			c.SndNxt = c.ISS + 1
			c.State = StateSynReceived
			t.sendSegment(c, layers.TCPFlagSYN|layers.TCPFlagACK, nil)
		}
	case StateSynSent:
		if seg.SYN && seg.ACK {
			c.RcvNxt = seg.Seq + 1
			c.SndUna = seg.Ack
			c.State = StateEstablished
			t.sendSegment(c, layers.TCPFlagACK, nil)
			c.RetransmitDeadline = time.Time{}
		}
	case StateSynReceived:
		if seg.ACK {
			c.SndUna = seg.Ack
			c.State = StateEstablished
		}
	case StateEstablished:
		t.acceptData(c, seg, payload)
		if seg.FIN {
			c.RcvNxt++
			c.State = StateCloseWait
			t.sendSegment(c, layers.TCPFlagACK, nil)
		}
	case StateFinWait1:
		if seg.ACK {
			c.SndUna = seg.Ack
			c.State = StateFinWait2
		}
		if seg.FIN {
			c.RcvNxt++
			t.sendSegment(c, layers.TCPFlagACK, nil)
			c.State = StateTimeWait
		}
	case StateFinWait2:
		if seg.FIN {
			c.RcvNxt++
			t.sendSegment(c, layers.TCPFlagACK, nil)
			c.State = StateTimeWait
		}
	case StateLastAck:
		if seg.ACK {
			c.State = StateClosed
			c.Active = false
		}
	case StateCloseWait, StateClosing, StateTimeWait:
		// No further state transitions expected from the peer here
		// beyond what moved the connection into this state; duplicate
		// segments are simply acknowledged.
	}
}

func (t *Table) acceptData(c *Conn, seg *layers.TCP, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if seg.Seq != c.RcvNxt {
		return // out-of-order segment: not reassembled, matches non-RFC-793-complete scope
	}
	c.RecvBuf = append(c.RecvBuf, payload...)
	c.RcvNxt += uint32(len(payload))
	t.sendSegment(c, layers.TCPFlagACK, nil)
}

// Get returns the connection record at connID, for tests and diagnostics.
func (t *Table) Get(connID int) (*Conn, bool) {
	if connID < 0 || connID >= maxConnections || !t.conns[connID].Active {
		return nil, false
	}
	return &t.conns[connID], true
}
