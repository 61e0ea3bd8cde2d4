package tcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/layers"
	"github.com/iansmith/alteo/internal/net/tcp"
	"github.com/stretchr/testify/require"
)

type capturedSegment struct {
	dst     net.IP
	payload []byte
}

type fakeTransport struct {
	sent []capturedSegment
}

func (f *fakeTransport) TransmitIP(dstIP net.IP, protocol layers.IPProtocol, payload []byte) error {
	f.sent = append(f.sent, capturedSegment{dst: dstIP, payload: payload})
	return nil
}

func TestListenCreatesConnectionInListenState(t *testing.T) {
	table := tcp.Init(logr.Discard(), &fakeTransport{}, net.IPv4(10, 0, 0, 1))
	id, err := table.Listen(80)
	require.NoError(t, err)

	c, ok := table.Get(id)
	require.True(t, ok)
	require.Equal(t, tcp.StateListen, c.State)
}

func TestConnectSendsSYNAndEntersSynSent(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))

	id, err := table.Connect(tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 443})
	require.NoError(t, err)

	c, ok := table.Get(id)
	require.True(t, ok)
	require.Equal(t, tcp.StateSynSent, c.State)
	require.Len(t, ft.sent, 1)
}

func TestPassiveHandshakeReachesEstablished(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))

	id, err := table.Listen(80)
	require.NoError(t, err)

	peer := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 51000}
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{SYN: true, Seq: 1000}, nil)

	c, ok := table.Get(id)
	require.True(t, ok)
	require.Equal(t, tcp.StateSynReceived, c.State)
	require.Equal(t, uint32(1001), c.RcvNxt)

	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, Seq: 1001, Ack: c.SndNxt}, nil)

	c, _ = table.Get(id)
	require.Equal(t, tcp.StateEstablished, c.State)
}

func TestDataSegmentInOrderIsAppendedToRecvBuffer(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))
	id, _ := table.Listen(80)

	peer := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 51000}
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{SYN: true, Seq: 1000}, nil)
	c, _ := table.Get(id)
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, Seq: 1001, Ack: c.SndNxt}, nil)

	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, PSH: true, Seq: 1001}, []byte("hi"))

	buf := make([]byte, 8)
	n, err := table.Recv(id, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestOutOfOrderSegmentIsDropped(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))
	id, _ := table.Listen(80)

	peer := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 51000}
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{SYN: true, Seq: 1000}, nil)
	c, _ := table.Get(id)
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, Seq: 1001, Ack: c.SndNxt}, nil)

	// Seq 2000 is far past RcvNxt (1001): out-of-order, not reassembled.
	table.HandleSegment(peer, tcp.Endpoint{Port: 80}, &layers.TCP{ACK: true, PSH: true, Seq: 2000}, []byte("late"))

	buf := make([]byte, 8)
	n, err := table.Recv(id, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestActiveCloseMovesThroughFinWait(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))
	id, err := table.Connect(tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 443})
	require.NoError(t, err)

	peer := tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 443}
	c, _ := table.Get(id)
	table.HandleSegment(peer, tcp.Endpoint{Port: c.Local.Port}, &layers.TCP{SYN: true, ACK: true, Seq: 5000, Ack: c.SndNxt}, nil)
	require.Equal(t, tcp.StateEstablished, table_mustGet(t, table, id).State)

	require.NoError(t, table.Close(id))
	require.Equal(t, tcp.StateFinWait1, table_mustGet(t, table, id).State)

	c, _ = table.Get(id)
	table.HandleSegment(peer, tcp.Endpoint{Port: c.Local.Port}, &layers.TCP{ACK: true, Seq: 5001, Ack: c.SndNxt}, nil)
	require.Equal(t, tcp.StateFinWait2, table_mustGet(t, table, id).State)

	c, _ = table.Get(id)
	table.HandleSegment(peer, tcp.Endpoint{Port: c.Local.Port}, &layers.TCP{FIN: true, ACK: true, Seq: 5001, Ack: c.SndNxt}, nil)
	require.Equal(t, tcp.StateTimeWait, table_mustGet(t, table, id).State)
}

func table_mustGet(t *testing.T, table *tcp.Table, id int) *tcp.Conn {
	t.Helper()
	c, ok := table.Get(id)
	require.True(t, ok)
	return c
}

func TestRetransmitTimerResendsAndEventuallyResetsConnection(t *testing.T) {
	ft := &fakeTransport{}
	table := tcp.Init(logr.Discard(), ft, net.IPv4(10, 0, 0, 1))
	id, err := table.Connect(tcp.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 443})
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 10; i++ {
		now = now.Add(10 * time.Second)
		table.HandleRetransmitTimers(now)
	}

	_, ok := table.Get(id)
	require.False(t, ok, "connection should have been reset after exhausting retries")
}
