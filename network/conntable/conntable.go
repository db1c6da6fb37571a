// Package conntable implements the Flow→NetworkConnection table described
// in spec.md §4.3, grounded on the teacher's peers map and peerOp/addpeer/
// delpeer channel-op run loop in network/p2p/server.go (srv.run): the same
// "send a function over a channel, let the single owning goroutine apply
// it" pattern replaces ad-hoc mutexes so table mutations serialize through
// one place.
package conntable

import (
	"errors"
	"net"
)

// Protocol identifies a transport protocol for a Flow.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolWS:
		return "ws"
	case ProtocolWSS:
		return "wss"
	default:
		return "unknown"
	}
}

// Flow is the (protocol, local, remote) tuple identifying one connection
// (spec.md §4.3). UDP flows are stateless fan-out and are never stored in
// the table — see Add.
type Flow struct {
	Protocol Protocol
	Local    string // net.Addr.String(), or "" if unbound
	Remote   string
}

// PeerAddress is a remote socket address a connection may be indexed under,
// independent of the exact local Flow (e.g. a peer that maintains several
// simultaneous flows to the same logical address during a race).
type PeerAddress string

func PeerAddressOf(addr net.Addr) PeerAddress { return PeerAddress(addr.String()) }

// writeRequest is sent to a connection's writer task.
type writeRequest struct {
	data []byte
	done chan error
}

// NetworkConnection is one established, table-resident connection: a
// send-only channel into its writer goroutine, plus its descriptor.
type NetworkConnection struct {
	Flow    Flow
	Conn    net.Conn
	writeCh chan writeRequest
	closeCh chan struct{}
}

func newNetworkConnection(flow Flow, conn net.Conn) *NetworkConnection {
	nc := &NetworkConnection{
		Flow:    flow,
		Conn:    conn,
		writeCh: make(chan writeRequest, 64),
		closeCh: make(chan struct{}),
	}
	go nc.writerLoop()
	return nc
}

func (nc *NetworkConnection) writerLoop() {
	for {
		select {
		case req := <-nc.writeCh:
			_, err := nc.Conn.Write(req.data)
			if req.done != nil {
				req.done <- err
			}
		case <-nc.closeCh:
			return
		}
	}
}

func (nc *NetworkConnection) close() {
	select {
	case <-nc.closeCh:
	default:
		close(nc.closeCh)
		nc.Conn.Close()
	}
}

// Handle is a ConnectionHandle: a send-only channel into the per-connection
// writer task plus the flow descriptor. Two handles compare equal iff their
// descriptors match, not their channel identity (spec.md §4.3), so callers
// racing to open the "same" connection can deduplicate sends by comparing
// handles with Equal (== also compares the channel).
type Handle struct {
	Flow    Flow
	writeCh chan<- writeRequest
}

// Equal reports whether h and other address the same flow, regardless of
// whether they were obtained from the same Get/Add call (spec.md §4.3:
// "Two handles compare equal iff their descriptors match, not their
// channel identity") — callers racing to open the "same" connection should
// compare with Equal, not ==, since a naive == also compares the channel
// value.
func (h Handle) Equal(other Handle) bool { return h.Flow == other.Flow }

// Send enqueues data for asynchronous write; Send blocks only if the
// writer's queue is full.
func (h Handle) Send(data []byte) {
	h.writeCh <- writeRequest{data: data}
}

// SendSync enqueues data and waits for the write to complete or fail.
func (h Handle) SendSync(data []byte) error {
	done := make(chan error, 1)
	h.writeCh <- writeRequest{data: data, done: done}
	return <-done
}

func handleOf(nc *NetworkConnection) Handle {
	return Handle{Flow: nc.Flow, writeCh: nc.writeCh}
}

var (
	// ErrUDPFlow is returned by Add for a UDP flow, which is never stored
	// (spec.md §4.3: "UDP flows are never inserted").
	ErrUDPFlow = errors.New("conntable: UDP flows are not stored")
	// ErrFlowExists is returned by Add when the flow is already present
	// (spec.md §4.3: "Adding an already-present flow fails").
	ErrFlowExists = errors.New("conntable: flow already present")
	// ErrNotFound is returned by Remove for an absent flow; Get reports an
	// absent flow through its bool result instead.
	ErrNotFound = errors.New("conntable: flow not present")
)

type opFunc func(t *tableState)

// tableState is the data the single owning goroutine manipulates; it never
// leaves that goroutine, mirroring srv.run's local `peers` map.
type tableState struct {
	byFlow   map[Flow]*NetworkConnection
	byRemote map[PeerAddress][]*NetworkConnection
}

// Table is the connection table. All mutation and lookup requests flow
// through a single goroutine (run), so byFlow/byRemote never need a mutex.
type Table struct {
	opCh   chan opFunc
	quitCh chan struct{}
}

// New starts the table's owning goroutine and returns a handle to it.
func New() *Table {
	t := &Table{
		opCh:   make(chan opFunc),
		quitCh: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Table) run() {
	state := &tableState{
		byFlow:   make(map[Flow]*NetworkConnection),
		byRemote: make(map[PeerAddress][]*NetworkConnection),
	}
	for {
		select {
		case op := <-t.opCh:
			op(state)
		case <-t.quitCh:
			for _, nc := range state.byFlow {
				nc.close()
			}
			return
		}
	}
}

// Close tears down every stored connection and stops the table's goroutine.
func (t *Table) Close() {
	select {
	case <-t.quitCh:
	default:
		close(t.quitCh)
	}
}

func (t *Table) do(f opFunc) {
	done := make(chan struct{})
	wrapped := func(s *tableState) {
		f(s)
		close(done)
	}
	select {
	case t.opCh <- wrapped:
		<-done
	case <-t.quitCh:
	}
}

// Add inserts conn under flow, indexing it by remote as well. UDP flows are
// rejected (ErrUDPFlow); a pre-existing flow is rejected (ErrFlowExists).
func (t *Table) Add(flow Flow, remote PeerAddress, conn net.Conn) (Handle, error) {
	if flow.Protocol == ProtocolUDP {
		return Handle{}, ErrUDPFlow
	}
	var h Handle
	var retErr error
	t.do(func(s *tableState) {
		if _, exists := s.byFlow[flow]; exists {
			retErr = ErrFlowExists
			return
		}
		nc := newNetworkConnection(flow, conn)
		s.byFlow[flow] = nc
		s.byRemote[remote] = append(s.byRemote[remote], nc)
		h = handleOf(nc)
	})
	return h, retErr
}

// Remove deletes flow from both indices atomically. If the remote's
// connection list becomes empty, the byRemote entry is removed entirely
// (spec.md §4.3: "an empty remote-vec removes the map entry").
func (t *Table) Remove(flow Flow, remote PeerAddress) error {
	var retErr error = ErrNotFound
	t.do(func(s *tableState) {
		nc, ok := s.byFlow[flow]
		if !ok {
			return
		}
		retErr = nil
		delete(s.byFlow, flow)
		nc.close()

		list := s.byRemote[remote]
		for i, c := range list {
			if c == nc {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.byRemote, remote)
		} else {
			s.byRemote[remote] = list
		}
	})
	return retErr
}

// Get returns the handle for flow, if present.
func (t *Table) Get(flow Flow) (Handle, bool) {
	var h Handle
	var ok bool
	t.do(func(s *tableState) {
		nc, found := s.byFlow[flow]
		if found {
			h, ok = handleOf(nc), true
		}
	})
	return h, ok
}

// GetLastConnectionByRemote returns the most recently added connection for
// remote, enabling connection reuse in the presence of simultaneous dial
// (spec.md §4.3).
func (t *Table) GetLastConnectionByRemote(remote PeerAddress) (Handle, bool) {
	var h Handle
	var ok bool
	t.do(func(s *tableState) {
		list := s.byRemote[remote]
		if len(list) == 0 {
			return
		}
		h, ok = handleOf(list[len(list)-1]), true
	})
	return h, ok
}

// Len reports the number of stored flows.
func (t *Table) Len() int {
	n := 0
	t.do(func(s *tableState) { n = len(s.byFlow) })
	return n
}
