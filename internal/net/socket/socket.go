// Package socket implements the fixed-size socket descriptor table:
// small integer descriptors over stream, datagram, and raw sockets,
// bound/connected/listening state, options, and the cooperative
// socket_poll drain loop that advances TCP without a background thread.
package socket

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/kerr"
	"github.com/iansmith/alteo/internal/net/tcp"
)

type Family int

const (
	FamilyINET Family = iota
)

type Type int

const (
	TypeStream Type = iota
	TypeDgram
	TypeRaw
)

// Errno is the closed socket error-code set.
type Errno int

const (
	ErrnoNone Errno = iota
	ErrnoInval
	ErrnoNoBufs
	ErrnoConnRefused
	ErrnoTimeout
	ErrnoNotConn
	ErrnoAlready
	ErrnoAddrInUse
	ErrnoWouldBlock
)

const maxSockets = 128

// Options holds the socket option set this core recognizes.
type Options struct {
	ReuseAddr    bool
	RecvTimeout  time.Duration
	SendTimeout  time.Duration
	RecvBufHint  int
	SendBufHint  int
	KeepAlive    bool
}

type dgramPacket struct {
	src  tcp.Endpoint
	data []byte
}

// Socket is one entry in the fixed table.
type Socket struct {
	Active     bool
	Family     Family
	Type       Type
	Protocol   int
	Local      tcp.Endpoint
	Remote     tcp.Endpoint
	Bound      bool
	Connected  bool
	Listening  bool
	ShutRD     bool
	ShutWR     bool
	TCPConnID  int
	dgramInbox []dgramPacket
	Options    Options
	LastError  Errno
}

// ShutdownHow selects which half of a stream connection shutdown()
// closes.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// Table is the process-wide socket table, a singleton like the rest of
// this kernel's resource tables (proc.Table, block.Layer, vfs.VFS).
type Table struct {
	sockets [maxSockets]Socket
	tcp     *tcp.Table
	log     logr.Logger
}

var global *Table

func Init(log logr.Logger, tcpTable *tcp.Table) *Table {
	t := &Table{tcp: tcpTable, log: log}
	global = t
	return t
}

func Global() *Table { return global }

// Open allocates a socket of the given family/type/protocol (socket()).
func (t *Table) Open(family Family, typ Type, protocol int) (int, error) {
	for i := range t.sockets {
		if !t.sockets[i].Active {
			t.sockets[i] = Socket{Active: true, Family: family, Type: typ, Protocol: protocol}
			return i, nil
		}
	}
	return -1, kerr.ErrExhausted
}

func (t *Table) get(fd int) (*Socket, error) {
	if fd < 0 || fd >= maxSockets || !t.sockets[fd].Active {
		return nil, kerr.ErrInvalid
	}
	return &t.sockets[fd], nil
}

// Bind attaches a local address to a socket (bind()). SO_REUSEADDR
// relaxes the "one bound socket per local address" rule when set.
func (t *Table) Bind(fd int, local tcp.Endpoint) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	if s.Bound {
		s.LastError = ErrnoAlready
		return kerr.ErrInvalid
	}
	for i := range t.sockets {
		if i == fd || !t.sockets[i].Active || !t.sockets[i].Bound {
			continue
		}
		if t.sockets[i].Local.Port == local.Port && !t.sockets[i].Options.ReuseAddr {
			s.LastError = ErrnoAddrInUse
			return kerr.ErrInvalid
		}
	}
	s.Local = local
	s.Bound = true
	return nil
}

// Listen marks a bound stream socket as passively listening, opening the
// backing TCP connection in the LISTEN state (listen()).
func (t *Table) Listen(fd int) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	if s.Type != TypeStream || !s.Bound {
		s.LastError = ErrnoInval
		return kerr.ErrInvalid
	}
	connID, err := t.tcp.Listen(s.Local.Port)
	if err != nil {
		s.LastError = ErrnoNoBufs
		return err
	}
	s.TCPConnID = connID
	s.Listening = true
	return nil
}

// Connect performs an active open for stream sockets, or simply records
// the peer address for datagram sockets (connect()).
func (t *Table) Connect(fd int, remote tcp.Endpoint) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	if s.Type == TypeDgram {
		s.Remote = remote
		s.Connected = true
		return nil
	}
	connID, err := t.tcp.Connect(remote)
	if err != nil {
		s.LastError = ErrnoNoBufs
		return err
	}
	s.TCPConnID = connID
	s.Remote = remote
	s.Connected = true
	return nil
}

// Accept returns a new socket descriptor for the next established
// connection on a listening socket, or ErrnoWouldBlock if none is ready
// (accept(), non-blocking cooperative style per socket_poll).
func (t *Table) Accept(fd int) (int, error) {
	s, err := t.get(fd)
	if err != nil {
		return -1, err
	}
	if !s.Listening {
		s.LastError = ErrnoInval
		return -1, kerr.ErrInvalid
	}
	c, ok := t.tcp.Get(s.TCPConnID)
	if !ok || c.State != tcp.StateEstablished {
		s.LastError = ErrnoWouldBlock
		return -1, kerr.ErrTimeout // caller should treat as would-block and poll again
	}

	newFd, err := t.Open(s.Family, s.Type, s.Protocol)
	if err != nil {
		return -1, err
	}
	ns, _ := t.get(newFd)
	ns.Local = s.Local
	ns.Remote = c.Remote
	ns.Connected = true
	ns.TCPConnID = s.TCPConnID

	// The listening socket keeps listening on a freshly-reopened TCP
	// connection so further inbound SYNs have somewhere to land.
	connID, lerr := t.tcp.Listen(s.Local.Port)
	if lerr == nil {
		s.TCPConnID = connID
	}
	return newFd, nil
}

// Send writes payload to a connected socket (send()).
func (t *Table) Send(fd int, payload []byte) (int, error) {
	s, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if s.Type == TypeDgram {
		if !s.Connected {
			s.LastError = ErrnoNotConn
			return 0, kerr.ErrInvalid
		}
		return len(payload), nil // the socket table holds no datagram transport: the payload is not handed on, only its length is reported
	}
	if !s.Connected {
		s.LastError = ErrnoNotConn
		return 0, kerr.ErrInvalid
	}
	if s.ShutWR {
		s.LastError = ErrnoInval
		return 0, kerr.ErrInvalid
	}
	n, err := t.tcp.Send(s.TCPConnID, payload)
	if err != nil {
		s.LastError = ErrnoInval
	}
	return n, err
}

// SendTo accepts payload for dst without requiring a prior Connect
// (sendto()) on a TypeDgram socket, where Send requires s.Connected.
// The socket table holds no datagram transport, so the payload is not
// handed to any lower layer; SendTo only reports len(payload).
func (t *Table) SendTo(fd int, payload []byte, dst tcp.Endpoint) (int, error) {
	s, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if s.Type != TypeDgram {
		s.LastError = ErrnoInval
		return 0, kerr.ErrInvalid
	}
	return len(payload), nil // not handed on: see the doc comment above
}

// Recv reads available data from a connected socket (recv()).
// Datagram sockets read whole packets off dgramInbox; stream sockets read
// from the TCP connection's receive buffer.
func (t *Table) Recv(fd int, buf []byte) (int, error) {
	s, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if s.Type == TypeDgram {
		if len(s.dgramInbox) == 0 {
			return 0, nil
		}
		pkt := s.dgramInbox[0]
		s.dgramInbox = s.dgramInbox[1:]
		n := copy(buf, pkt.data)
		return n, nil
	}
	if !s.Connected {
		s.LastError = ErrnoNotConn
		return 0, kerr.ErrInvalid
	}
	if s.ShutRD {
		return 0, nil
	}
	return t.tcp.Recv(s.TCPConnID, buf)
}

// RecvFrom reads the next queued datagram along with its source address
// (recvfrom()); Recv copies out pkt.data but drops pkt.src, leaving the
// source DeliverDatagram recorded on every dgramPacket unreachable.
func (t *Table) RecvFrom(fd int, buf []byte) (int, tcp.Endpoint, error) {
	s, err := t.get(fd)
	if err != nil {
		return 0, tcp.Endpoint{}, err
	}
	if s.Type != TypeDgram {
		s.LastError = ErrnoInval
		return 0, tcp.Endpoint{}, kerr.ErrInvalid
	}
	if len(s.dgramInbox) == 0 {
		return 0, tcp.Endpoint{}, nil
	}
	pkt := s.dgramInbox[0]
	s.dgramInbox = s.dgramInbox[1:]
	n := copy(buf, pkt.data)
	return n, pkt.src, nil
}

// DeliverDatagram queues an inbound datagram for whichever bound socket
// matches its destination port; used by the IP receive path for UDP-like
// raw/dgram sockets.
func (t *Table) DeliverDatagram(dstPort uint16, src tcp.Endpoint, data []byte) {
	for i := range t.sockets {
		s := &t.sockets[i]
		if !s.Active || s.Type != TypeDgram || !s.Bound || s.Local.Port != dstPort {
			continue
		}
		if s.Options.RecvBufHint > 0 && len(s.dgramInbox) >= s.Options.RecvBufHint {
			continue // drop: recv buffer hint exceeded
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		s.dgramInbox = append(s.dgramInbox, dgramPacket{src: src, data: cp})
		return
	}
}

// SetOption applies a socket option (setsockopt()).
func (t *Table) SetOption(fd int, opts Options) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	s.Options = opts
	return nil
}

// GetOption reads back the socket's current option set (getsockopt()).
func (t *Table) GetOption(fd int) (Options, error) {
	s, err := t.get(fd)
	if err != nil {
		return Options{}, err
	}
	return s.Options, nil
}

// Shutdown half- or fully-closes a connected stream socket (shutdown()),
// distinct from Close: the descriptor stays open and usable for the
// direction not shut down. Shutting down the write side sends a FIN by
// driving the same tcp.Close transition Close itself uses; shutting down
// the read side just stops Recv from returning new data.
func (t *Table) Shutdown(fd int, how ShutdownHow) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	if s.Type != TypeStream {
		s.LastError = ErrnoInval
		return kerr.ErrInvalid
	}
	if !s.Connected {
		s.LastError = ErrnoNotConn
		return kerr.ErrInvalid
	}
	if how == ShutdownRead || how == ShutdownBoth {
		s.ShutRD = true
	}
	if how == ShutdownWrite || how == ShutdownBoth {
		if !s.ShutWR {
			s.ShutWR = true
			return t.tcp.Close(s.TCPConnID)
		}
	}
	return nil
}

// Close releases a socket descriptor and, for stream sockets, begins the
// TCP close sequence (close()).
func (t *Table) Close(fd int) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	if s.Type == TypeStream && s.Connected && !s.ShutWR {
		_ = t.tcp.Close(s.TCPConnID)
	}
	*s = Socket{}
	return nil
}

// Poll drains retransmit timers and any other periodic TCP bookkeeping.
// It runs only when a caller invokes it; cmd/kernel's idle loop only
// halts and does not call it.
func (t *Table) Poll(now time.Time) {
	if t.tcp != nil {
		t.tcp.HandleRetransmitTimers(now)
	}
}

// LastError reports the most recent error recorded against fd, for
// callers that want the errno after a failed call.
func (t *Table) LastError(fd int) Errno {
	s, err := t.get(fd)
	if err != nil {
		return ErrnoInval
	}
	return s.LastError
}
