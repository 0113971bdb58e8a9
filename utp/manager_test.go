package utp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/nostromorepo/libtorrent/executor"
)

func newTestManager(t *testing.T, sock Socket) *Manager {
	exec := executor.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go exec.Run(ctx)
	return NewManager(sock, exec, log.Logger{})
}

// TestAcceptAssignsRecvSendIDsFromSyn reproduces scenario 5's worked
// example: a ST_SYN carrying connection_id=7 causes the server to
// allocate a connection with recv_id=7, send_id=8, both ending up
// connected.
func TestAcceptAssignsRecvSendIDsFromSyn(t *testing.T) {
	sock := &recordingSocket{}
	m := newTestManager(t, sock)

	var accepted *Conn
	done := make(chan struct{})
	m.SetAccept(func(c *Conn) {
		accepted = c
		close(done)
	})

	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	syn := header{Type: StSyn, ConnID: 7, SeqNr: 1}
	m.Incoming(encode(nil, syn, nil), remote)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept callback never ran")
	}

	require.NotNil(t, accepted)
	accepted.mu.Lock()
	recvID, sendID, state := accepted.recvID, accepted.sendID, accepted.state
	accepted.mu.Unlock()
	require.Equal(t, uint16(7), recvID)
	require.Equal(t, uint16(8), sendID)
	require.Equal(t, StateConnected, state)

	require.Len(t, sock.sent, 1)
	reply, _, err := decode(sock.sent[0].buf)
	require.NoError(t, err)
	require.Equal(t, StState, reply.Type)
	require.Equal(t, uint16(8), reply.ConnID)
	require.Equal(t, uint16(1), reply.AckNr)
}

func TestUnmatchedNonSynDatagramIsDropped(t *testing.T) {
	sock := &recordingSocket{}
	m := newTestManager(t, sock)
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6881}

	m.Incoming(encode(nil, header{Type: StData, ConnID: 99, SeqNr: 5}, nil), remote)

	require.Empty(t, sock.sent)
	require.Empty(t, m.conns)
}

func TestDialContextRoutesReplyBackToInitiator(t *testing.T) {
	sock := &recordingSocket{}
	m := newTestManager(t, sock)
	remote := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 6881}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type result struct {
		c   *Conn
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := m.DialContext(ctx, remote)
		resCh <- result{c, err}
	}()

	// Give DialContext time to register and send its SYN.
	time.Sleep(10 * time.Millisecond)
	require.Len(t, sock.sent, 1)
	syn, _, err := decode(sock.sent[0].buf)
	require.NoError(t, err)
	require.Equal(t, StSyn, syn.Type)

	// The wire connection id the acceptor's step-4 formula would turn
	// into recv_id=syn.ConnID, send_id=syn.ConnID+1; feed that reply
	// straight back through Incoming, as if it arrived over the wire.
	reply := header{Type: StState, ConnID: syn.ConnID + 1, SeqNr: 500, AckNr: 1}
	m.Incoming(encode(nil, reply, nil), remote)

	res := <-resCh
	require.NoError(t, res.err)
	require.NotNil(t, res.c)
	res.c.mu.Lock()
	state := res.c.state
	res.c.mu.Unlock()
	require.Equal(t, StateConnected, state)
}
