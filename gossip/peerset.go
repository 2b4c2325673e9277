package gossip

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrPeerSetClosed        = errors.New("gossip: peer set closed")
	ErrPeerAlreadyConnected = errors.New("gossip: peer already connected")
	ErrPeerNotRegistered    = errors.New("gossip: peer not registered")
)

// peerSet is the node's table of live connections, guarded by one
// RWMutex (grounded on the teacher's peerSet pattern).
type peerSet struct {
	lock   sync.RWMutex
	peers  map[string]*Peer
	closed bool
}

func newPeerSet() *peerSet {
	return &peerSet{peers: make(map[string]*Peer)}
}

// register adds p, keyed by its node id. Rejects a second connection
// from an already-connected node id.
func (ps *peerSet) register(p *Peer) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	if ps.closed {
		return ErrPeerSetClosed
	}
	if _, ok := ps.peers[p.ID]; ok {
		return ErrPeerAlreadyConnected
	}
	ps.peers[p.ID] = p
	return nil
}

// unregister removes the peer with the given id.
func (ps *peerSet) unregister(id string) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	p, ok := ps.peers[id]
	if !ok {
		return ErrPeerNotRegistered
	}
	delete(ps.peers, id)
	return p.Close()
}

// peer returns the peer with the given id, if connected.
func (ps *peerSet) peer(id string) *Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return ps.peers[id]
}

// len reports the number of connected peers.
func (ps *peerSet) len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return len(ps.peers)
}

// all returns a snapshot slice of all connected peers.
func (ps *peerSet) all() []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// relayTargets returns up to fanout peers to relay a message to, other
// than excludeID (the peer the message arrived from, if any). Peers are
// ordered by measured RTT ascending; peers without an RTT sample are
// shuffled to the end, per spec.md §4.3.
func (ps *peerSet) relayTargets(excludeID string, fanout int) []*Peer {
	candidates := ps.all()

	measured := make([]*Peer, 0, len(candidates))
	unmeasured := make([]*Peer, 0, len(candidates))
	for _, p := range candidates {
		if p.ID == excludeID {
			continue
		}
		if _, ok := p.RTT(); ok {
			measured = append(measured, p)
		} else {
			unmeasured = append(unmeasured, p)
		}
	}

	sort.Slice(measured, func(i, j int) bool {
		ri, _ := measured[i].RTT()
		rj, _ := measured[j].RTT()
		return ri < rj
	})

	ordered := append(measured, unmeasured...)
	if fanout >= 0 && len(ordered) > fanout {
		ordered = ordered[:fanout]
	}
	return ordered
}

// close marks the set closed and disconnects every peer.
func (ps *peerSet) close() {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	ps.closed = true
	for _, p := range ps.peers {
		p.Close()
	}
}
