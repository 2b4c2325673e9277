package gossip

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is a no-op net.Conn used to construct Peer values for
// peerSet-ordering tests that never touch the wire.
type fakeConn struct{}

func (fakeConn) Read([]byte) (int, error)         { return 0, nil }
func (fakeConn) Write(b []byte) (int, error)       { return len(b), nil }
func (fakeConn) Close() error                      { return nil }
func (fakeConn) LocalAddr() net.Addr               { return fakeAddr{} }
func (fakeConn) RemoteAddr() net.Addr              { return fakeAddr{} }
func (fakeConn) SetDeadline(time.Time) error       { return nil }
func (fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

func startTransport(t *testing.T, nodeID string) *Transport {
	t.Helper()
	tr := NewTransport(nodeID, "127.0.0.1:0", 0)
	// listen on an ephemeral port but bind an explicit addr for dialing
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return tr
}

func waitForPeerCount(t *testing.T, tr *Transport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.PeerCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for peer count >= %d (have %d)", n, tr.PeerCount())
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	a := startTransport(t, "node-a")
	b := startTransport(t, "node-b")

	require.NoError(t, b.Dial(a.listener.Addr().String()))
	waitForPeerCount(t, a, 1)
	waitForPeerCount(t, b, 1)
}

func TestBroadcastRelayAndDedup(t *testing.T) {
	// Three-node chain: a - b - c. a broadcasts; c must receive exactly
	// once via relay through b (spec.md §4.3 flood control + dedup).
	a := NewTransport("node-a", "127.0.0.1:0", 0)
	b := NewTransport("node-b", "127.0.0.1:0", 0)
	c := NewTransport("node-c", "127.0.0.1:0", 0)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.NoError(t, c.Start())
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	var mu sync.Mutex
	received := 0
	c.Handle(KindTxLog, func(from *Peer, msg Message) bool {
		mu.Lock()
		received++
		mu.Unlock()
		return true
	})

	require.NoError(t, b.Dial(a.listener.Addr().String()))
	require.NoError(t, c.Dial(b.listener.Addr().String()))

	waitForPeerCount(t, a, 1)
	waitForPeerCount(t, b, 2)
	waitForPeerCount(t, c, 1)

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, a.Broadcast(KindTxLog, json.RawMessage(payload)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := received
		mu.Unlock()
		if got >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, received, "message must be relayed exactly once, never duplicated")
}

func TestSeenSetDropsDuplicateMessageID(t *testing.T) {
	s := newSeenSet(16, time.Minute)
	require.False(t, s.observe("msg-1"))
	require.True(t, s.observe("msg-1"))
	require.Equal(t, 1, s.len())
}

func TestRelayTargetsOrdersByRTT(t *testing.T) {
	ps := newPeerSet()
	slow := newPeer(&fakeConn{}, "slow", 1)
	fast := newPeer(&fakeConn{}, "fast", 1)
	unmeasured := newPeer(&fakeConn{}, "unmeasured", 1)

	slow.rtt, slow.hasRTT = 100*time.Millisecond, true
	fast.rtt, fast.hasRTT = 10*time.Millisecond, true

	require.NoError(t, ps.register(slow))
	require.NoError(t, ps.register(fast))
	require.NoError(t, ps.register(unmeasured))

	targets := ps.relayTargets("", 10)
	require.Len(t, targets, 3)
	require.Equal(t, "fast", targets[0].ID)
	require.Equal(t, "slow", targets[1].ID)
	require.Equal(t, "unmeasured", targets[2].ID)
}

func TestRelayTargetsRespectsFanout(t *testing.T) {
	ps := newPeerSet()
	for i := 0; i < 5; i++ {
		require.NoError(t, ps.register(newPeer(&fakeConn{}, string(rune('a'+i)), 1)))
	}
	require.Len(t, ps.relayTargets("", 2), 2)
}
