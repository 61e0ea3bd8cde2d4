package socket_test

import (
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/layers"
	"github.com/iansmith/alteo/internal/net/socket"
	"github.com/iansmith/alteo/internal/net/tcp"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{}

func (fakeTransport) TransmitIP(dstIP net.IP, protocol layers.IPProtocol, payload []byte) error {
	return nil
}

func newTables() (*tcp.Table, *socket.Table) {
	tt := tcp.Init(logr.Discard(), fakeTransport{}, net.IPv4(10, 0, 0, 1))
	st := socket.Init(logr.Discard(), tt)
	return tt, st
}

func TestOpenBindListenAccept(t *testing.T) {
	tt, st := newTables()

	fd, err := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, err)
	require.NoError(t, st.Bind(fd, tcp.Endpoint{Port: 80}))
	require.NoError(t, st.Listen(fd))

	_, err = st.Accept(fd)
	require.Error(t, err) // nothing connected yet

	// Drive a passive handshake directly against the TCP table backing
	// the listening socket.
	peer := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 51000}
	tt.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{SYN: true, Seq: 1}, nil)
	c, ok := tt.Get(0)
	require.True(t, ok)
	tt.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, Seq: 2, Ack: c.SndNxt}, nil)

	newFd, err := st.Accept(fd)
	require.NoError(t, err)
	require.NotEqual(t, fd, newFd)
}

func TestBindRejectsDuplicatePortWithoutReuseAddr(t *testing.T) {
	_, st := newTables()

	fd1, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, st.Bind(fd1, tcp.Endpoint{Port: 8080}))

	fd2, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	err := st.Bind(fd2, tcp.Endpoint{Port: 8080})
	require.Error(t, err)
}

func TestBindAllowsDuplicatePortWithReuseAddr(t *testing.T) {
	_, st := newTables()

	fd1, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, st.SetOption(fd1, socket.Options{ReuseAddr: true}))
	require.NoError(t, st.Bind(fd1, tcp.Endpoint{Port: 9090}))

	fd2, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, st.SetOption(fd2, socket.Options{ReuseAddr: true}))
	require.NoError(t, st.Bind(fd2, tcp.Endpoint{Port: 9090}))
}

func TestDatagramSendRecvRoundTripsThroughInbox(t *testing.T) {
	_, st := newTables()

	fd, _ := st.Open(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, st.Bind(fd, tcp.Endpoint{Port: 5353}))

	st.DeliverDatagram(5353, tcp.Endpoint{IP: net.IPv4(10, 0, 0, 9), Port: 12345}, []byte("query"))

	buf := make([]byte, 16)
	n, err := st.Recv(fd, buf)
	require.NoError(t, err)
	require.Equal(t, "query", string(buf[:n]))
}

func TestDatagramInboxDropsPastRecvBufHint(t *testing.T) {
	_, st := newTables()

	fd, _ := st.Open(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, st.Bind(fd, tcp.Endpoint{Port: 5353}))
	require.NoError(t, st.SetOption(fd, socket.Options{RecvBufHint: 1}))

	st.DeliverDatagram(5353, tcp.Endpoint{Port: 1}, []byte("first"))
	st.DeliverDatagram(5353, tcp.Endpoint{Port: 1}, []byte("second"))

	buf := make([]byte, 16)
	n, _ := st.Recv(fd, buf)
	require.Equal(t, "first", string(buf[:n]))

	n, _ = st.Recv(fd, buf)
	require.Equal(t, 0, n)
}

func TestSendOnUnconnectedSocketFails(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	_, err := st.Send(fd, []byte("x"))
	require.Error(t, err)
	require.Equal(t, socket.ErrnoNotConn, st.LastError(fd))
}

func TestCloseReleasesDescriptor(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, st.Close(fd))
	_, err := st.Send(fd, []byte("x"))
	require.Error(t, err)
}

func TestPollAdvancesRetransmitTimers(t *testing.T) {
	_, st := newTables()
	require.NotPanics(t, func() { st.Poll(time.Now()) })
}

func TestSendToTransmitsWithoutConnect(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, st.Bind(fd, tcp.Endpoint{Port: 5353}))

	n, err := st.SendTo(fd, []byte("query"), tcp.Endpoint{IP: net.IPv4(10, 0, 0, 9), Port: 53})
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestRecvFromReportsSourceAddress(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeDgram, 0)
	require.NoError(t, st.Bind(fd, tcp.Endpoint{Port: 5353}))

	src := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 9), Port: 12345}
	st.DeliverDatagram(5353, src, []byte("query"))

	buf := make([]byte, 16)
	n, gotSrc, err := st.RecvFrom(fd, buf)
	require.NoError(t, err)
	require.Equal(t, "query", string(buf[:n]))
	require.Equal(t, src, gotSrc)
}

func TestGetOptionReturnsWhatWasSet(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	require.NoError(t, st.SetOption(fd, socket.Options{ReuseAddr: true, RecvBufHint: 4}))

	got, err := st.GetOption(fd)
	require.NoError(t, err)
	require.True(t, got.ReuseAddr)
	require.Equal(t, 4, got.RecvBufHint)
}

func TestShutdownWriteBlocksSend(t *testing.T) {
	tt, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	err := st.Connect(fd, tcp.Endpoint{Port: 4001})
	require.NoError(t, err)
	c, ok := tt.Get(0)
	require.True(t, ok)
	c.State = tcp.StateEstablished

	require.NoError(t, st.Shutdown(fd, socket.ShutdownWrite))
	_, err = st.Send(fd, []byte("x"))
	require.Error(t, err)
}

func TestShutdownOnUnconnectedSocketFails(t *testing.T) {
	_, st := newTables()
	fd, _ := st.Open(socket.FamilyINET, socket.TypeStream, 0)
	err := st.Shutdown(fd, socket.ShutdownBoth)
	require.Error(t, err)
}
