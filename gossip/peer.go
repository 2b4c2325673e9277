package gossip

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"
)

// Peer is one connected gossip participant. Writes are serialized through
// a single lock (spec.md §5: "a single writer, or a single serialized
// writer guarded by a per-peer lock").
type Peer struct {
	ID   string
	Port int

	conn   net.Conn
	writer *bufio.Writer
	wmu    sync.Mutex

	mu           sync.Mutex
	rtt          time.Duration
	hasRTT       bool
	lastSeen     time.Time
	pendingPings map[string]time.Time
}

func newPeer(conn net.Conn, id string, port int) *Peer {
	return &Peer{
		ID:           id,
		Port:         port,
		conn:         conn,
		writer:       bufio.NewWriter(conn),
		lastSeen:     time.Now(),
		pendingPings: make(map[string]time.Time),
	}
}

// Send writes one newline-delimited JSON message. Safe for concurrent use.
func (p *Peer) Send(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.writer.Write(raw); err != nil {
		return err
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return err
	}
	return p.writer.Flush()
}

// Close terminates the underlying connection.
func (p *Peer) Close() error { return p.conn.Close() }

// RemoteAddr returns the peer's remote network address.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func (p *Peer) touchLastSeen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = time.Now()
}

func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// recordPing remembers that we sent pingID at now, for RTT measurement
// and the 15s pending-ping expiry rule (spec.md §4.3).
func (p *Peer) recordPing(pingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingPings[pingID] = time.Now()
}

// recordPong resolves a pending ping into an RTT sample, if still live.
func (p *Peer) recordPong(pingID string) (rtt time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sentAt, found := p.pendingPings[pingID]
	if !found {
		return 0, false
	}
	delete(p.pendingPings, pingID)
	rtt = time.Since(sentAt)
	p.rtt = rtt
	p.hasRTT = true
	return rtt, true
}

// expireStalePings discards pending pings older than maxAge without
// penalizing the peer's RTT sample (spec.md §4.3).
func (p *Peer) expireStalePings(maxAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for id, sentAt := range p.pendingPings {
		if sentAt.Before(cutoff) {
			delete(p.pendingPings, id)
		}
	}
}

// RTT returns the last measured round-trip time and whether a sample
// exists yet.
func (p *Peer) RTT() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt, p.hasRTT
}
