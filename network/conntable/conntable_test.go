package conntable

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestAddRejectsUDPFlow(t *testing.T) {
	tbl := New()
	defer tbl.Close()
	a, _ := pipeConns(t)

	_, err := tbl.Add(Flow{Protocol: ProtocolUDP, Remote: "1.2.3.4:1"}, "1.2.3.4:1", a)
	require.ErrorIs(t, err, ErrUDPFlow)
}

func TestAddRejectsDuplicateFlow(t *testing.T) {
	tbl := New()
	defer tbl.Close()
	a, _ := pipeConns(t)
	flow := Flow{Protocol: ProtocolTCP, Remote: "1.2.3.4:1"}

	_, err := tbl.Add(flow, "1.2.3.4:1", a)
	require.NoError(t, err)

	_, err = tbl.Add(flow, "1.2.3.4:1", a)
	require.ErrorIs(t, err, ErrFlowExists)
}

func TestRemoveClearsEmptyRemoteEntry(t *testing.T) {
	tbl := New()
	defer tbl.Close()
	a, _ := pipeConns(t)
	remote := PeerAddress("1.2.3.4:1")
	flow := Flow{Protocol: ProtocolTCP, Remote: string(remote)}

	_, err := tbl.Add(flow, remote, a)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Remove(flow, remote))
	require.Equal(t, 0, tbl.Len())

	_, ok := tbl.GetLastConnectionByRemote(remote)
	require.False(t, ok)
}

func TestGetLastConnectionByRemoteReturnsNewest(t *testing.T) {
	tbl := New()
	defer tbl.Close()
	remote := PeerAddress("1.2.3.4:1")

	a1, _ := pipeConns(t)
	flow1 := Flow{Protocol: ProtocolTCP, Remote: "a", Local: "x"}
	h1, err := tbl.Add(flow1, remote, a1)
	require.NoError(t, err)

	a2, _ := pipeConns(t)
	flow2 := Flow{Protocol: ProtocolTCP, Remote: "a", Local: "y"}
	h2, err := tbl.Add(flow2, remote, a2)
	require.NoError(t, err)

	last, ok := tbl.GetLastConnectionByRemote(remote)
	require.True(t, ok)
	require.True(t, last.Equal(h2))
	require.False(t, last.Equal(h1))
}

func TestHandleSend(t *testing.T) {
	tbl := New()
	defer tbl.Close()
	a, b := pipeConns(t)
	flow := Flow{Protocol: ProtocolTCP, Remote: "r"}

	h, err := tbl.Add(flow, "r", a)
	require.NoError(t, err)

	go h.Send([]byte("hello"))

	buf := make([]byte, 5)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}
