package utp

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/nostromorepo/libtorrent/executor"
)

// Status summarizes a Manager's connections by state (spec §6.3).
type Status struct {
	NumIdle      int
	NumSynSent   int
	NumConnected int
	NumFinSent   int
	NumCloseWait int
}

// connKey disambiguates connections sharing a 16-bit recv_id by remote
// endpoint (spec §3.4).
type connKey struct {
	recvID uint16
	remote string
}

// Manager demultiplexes inbound uTP datagrams to connections and
// drives outgoing dials and accepts (spec §4.3.1). It never reads from
// the network itself; a Socket implementation (package netutp) owns
// the receive loop and calls Incoming for each datagram.
type Manager struct {
	mu   sync.Mutex
	sock Socket
	exec *executor.Executor
	log  log.Logger

	conns      map[connKey]*Conn
	lastSocket *Conn // fast-path cache for the most recently used connection

	acceptFn func(*Conn)
}

// NewManager creates a Manager bound to sock. exec is the executor
// every accept callback and connection-terminal notification is
// posted to.
func NewManager(sock Socket, exec *executor.Executor, logger log.Logger) *Manager {
	return &Manager{
		sock:  sock,
		exec:  exec,
		log:   logger,
		conns: make(map[connKey]*Conn),
	}
}

// SetAccept installs the callback invoked (on the executor) each time
// an inbound ST_SYN completes a new accepted connection (spec §6.2).
func (m *Manager) SetAccept(fn func(*Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptFn = fn
}

// Incoming feeds one received datagram into the Manager (spec
// §4.3.1). It matches against the fast-path cache first, then the
// (recv_id, remote) directory, and creates a new accepted connection
// for an unmatched ST_SYN.
func (m *Manager) Incoming(payload []byte, remote net.Addr) {
	h, body, err := decode(payload)
	if err != nil {
		return
	}
	now := time.Now()

	m.mu.Lock()
	if c := m.lastSocket; c != nil {
		c.mu.Lock()
		match := c.recvID == h.ConnID && c.remote.String() == remote.String()
		c.mu.Unlock()
		if match {
			m.mu.Unlock()
			c.handlePacket(h, body, now)
			return
		}
	}

	key := connKey{recvID: h.ConnID, remote: remote.String()}
	if c, ok := m.conns[key]; ok {
		m.lastSocket = c
		m.mu.Unlock()
		c.handlePacket(h, body, now)
		return
	}

	if h.Type != StSyn {
		m.mu.Unlock()
		return
	}

	accept := m.acceptFn
	if accept == nil {
		m.mu.Unlock()
		return
	}
	c := newConn(m, m.sock, remote, m.log)
	m.conns[connKey{recvID: h.ConnID, remote: remote.String()}] = c
	m.lastSocket = c
	m.mu.Unlock()

	c.acceptFrom(h, now)
	m.exec.Post(func() { accept(c) })
}

// DialContext opens an outgoing connection to remote (spec §4.3.1's
// initiator side). It picks a send_id X such that recv_id = X+1 is
// free in the directory — the acceptor's step-4 formula turns our
// ST_SYN's connection id (X) into its own send_id (X+1), so keying
// our directory on X+1 is what lets its replies route back here —
// registers the pending connection, sends the ST_SYN, and blocks
// until the handshake completes or ctx is done.
func (m *Manager) DialContext(ctx context.Context, remote net.Addr) (*Conn, error) {
	sendID, recvID := m.allocConnIDs(remote)
	c := newConn(m, m.sock, remote, m.log)

	m.mu.Lock()
	m.conns[connKey{recvID: recvID, remote: remote.String()}] = c
	m.lastSocket = c
	m.mu.Unlock()

	if err := c.connect(ctx, recvID, sendID); err != nil {
		m.remove(c)
		return nil, err
	}
	return c, nil
}

// allocConnIDs picks a send_id/recv_id pair (recv_id = send_id + 1)
// not already in use for remote.
func (m *Manager) allocConnIDs(remote net.Addr) (sendID, recvID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		x := uint16(rand.Intn(1 << 16))
		recv := x + 1
		if _, taken := m.conns[connKey{recvID: recv, remote: remote.String()}]; !taken {
			return x, recv
		}
	}
}

// remove drops c from the directory; called once a connection reaches
// a terminal state (spec §4.3.7's "deleted-socket garbage collection").
func (m *Manager) remove(c *Conn) {
	c.mu.Lock()
	key := connKey{recvID: c.recvID, remote: c.remote.String()}
	c.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[key] == c {
		delete(m.conns, key)
	}
	if m.lastSocket == c {
		m.lastSocket = nil
	}
}

// Tick drives every live connection's timer-based work (spec §4.3.7).
// Callers typically post this to run periodically via executor.Tick.
func (m *Manager) Tick() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, c := range conns {
		c.tick(now)
		c.mu.Lock()
		terminal := c.state == StateDeleted
		c.mu.Unlock()
		if terminal {
			m.remove(c)
		}
	}
}

// Status reports a snapshot of connection counts by state (spec
// §6.3).
func (m *Manager) Status() Status {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var s Status
	for _, c := range conns {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		switch st {
		case StateNone:
			s.NumIdle++
		case StateSynSent:
			s.NumSynSent++
		case StateConnected:
			s.NumConnected++
		case StateFinSent:
			s.NumFinSent++
		case StateCloseWait:
			s.NumCloseWait++
		}
	}
	return s
}
