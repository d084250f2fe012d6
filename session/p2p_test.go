package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/protocol"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memEndpoint is a trivial in-memory protocol.Endpoint connecting exactly
// two sessions, mirroring the protocol package's own loopback test fixture.
type memEndpoint struct {
	addr  net.Addr
	peer  *memEndpoint
	inbox [][]byte
}

func newMemSessionPair() (*memEndpoint, *memEndpoint) {
	a := &memEndpoint{addr: memAddr("session-a")}
	b := &memEndpoint{addr: memAddr("session-b")}
	a.peer, b.peer = b, a

	return a, b
}

func (m *memEndpoint) SendTo(_ net.Addr, b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	m.peer.inbox = append(m.peer.inbox, cp)

	return nil
}

func (m *memEndpoint) RecvFrom(buf []byte) (int, net.Addr, error) {
	if len(m.inbox) == 0 {
		return 0, nil, nil
	}

	next := m.inbox[0]
	m.inbox = m.inbox[1:]
	n := copy(buf, next)

	return n, m.peer.addr, nil
}

func (m *memEndpoint) LocalAddr() net.Addr { return m.addr }
func (m *memEndpoint) Close() error        { return nil }

func collectSessionEvents(s *P2PSession) []Event {
	var out []Event

	for {
		select {
		case e := <-s.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}

	return false
}

func TestP2PSessionHandshakeAndInputExchange(t *testing.T) {
	epA, epB := newMemSessionPair()

	hostA := newFakeHost(2)
	hostB := newFakeHost(2)

	cfg := NewConfig(2)
	now := time.Unix(10_000, 0)

	sessA, err := NewP2PSession(cfg, epA, hostA, []PlayerSpec{
		{Type: PlayerLocal},
		{Type: PlayerRemote, Addr: epB.addr},
	}, nil, now)
	require.NoError(t, err)

	sessB, err := NewP2PSession(cfg, epB, hostB, []PlayerSpec{
		{Type: PlayerRemote, Addr: epA.addr},
		{Type: PlayerLocal},
	}, nil, now)
	require.NoError(t, err)

	var sawRunningA, sawRunningB bool

	for i := 0; i < protocol.NumSyncPackets*4+4 && !(sawRunningA && sawRunningB); i++ {
		now = now.Add(20 * time.Millisecond)

		require.NoError(t, sessA.PollRemoteClients(now))
		require.NoError(t, sessB.PollRemoteClients(now))

		if hasEvent(collectSessionEvents(sessA), EventRunning) {
			sawRunningA = true
		}

		if hasEvent(collectSessionEvents(sessB), EventRunning) {
			sawRunningB = true
		}
	}

	require.True(t, sawRunningA, "session A never reached Running")
	require.True(t, sawRunningB, "session B never reached Running")

	bitsA := bitinput.New(cfg.inputBits)
	bitsA.Set(1, true)

	bitsB := bitinput.New(cfg.inputBits)
	bitsB.Set(2, true)

	for i := 0; i < 20; i++ {
		now = now.Add(20 * time.Millisecond)

		_, err = sessA.AddLocalInput(0, bitsA)
		require.NoError(t, err)

		_, err = sessB.AddLocalInput(1, bitsB)
		require.NoError(t, err)

		require.NoError(t, sessA.PollRemoteClients(now))
		require.NoError(t, sessB.PollRemoteClients(now))

		require.NoError(t, sessA.AdvanceFrame())
		require.NoError(t, sessB.AdvanceFrame())
	}

	assert.NotZero(t, hostA.acc[1], "session A should have simulated player 1's remote input")
	assert.NotZero(t, hostB.acc[0], "session B should have simulated player 0's remote input")

	assert.NoError(t, sessA.Shutdown())
	assert.NoError(t, sessB.Shutdown())
}
