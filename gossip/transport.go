package gossip

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tos-network/capsulemesh/internal/log"
)

const (
	seenSetSize      = 8192
	seenSetTTL       = 10 * time.Minute
	sweepInterval    = time.Minute
	heartbeatPeriod  = 30 * time.Second
	pongGracePeriod  = 15 * time.Second
	handshakeTimeout = 5 * time.Second
	dialTimeout      = 5 * time.Second
)

// Handler processes one inbound message that survived dedup. It runs
// before relay; the bool return reports whether the message should
// still be relayed onward (handlers may veto relay for terminal
// responses).
type Handler func(from *Peer, msg Message) (relay bool)

// Transport owns the node's listener, outbound dials, peer set, and the
// relay/flood-control loop described in spec.md §4.3 and §6.
type Transport struct {
	nodeID     string
	listenAddr string
	listenPort int

	peers *peerSet
	seen  *seenSet
	log   *log.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler

	quit     chan struct{}
	wg       sync.WaitGroup
	listener net.Listener
}

// NewTransport creates a Transport bound to nodeID. listenAddr is the
// "host:port" string to accept inbound connections on.
func NewTransport(nodeID, listenAddr string, listenPort int) *Transport {
	return &Transport{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		listenPort: listenPort,
		peers:      newPeerSet(),
		seen:       newSeenSet(seenSetSize, seenSetTTL),
		log:        log.New("module", "gossip"),
		handlers:   make(map[Kind]Handler),
		quit:       make(chan struct{}),
	}
}

// Handle registers the handler invoked for inbound messages of kind k.
// The handler table is guarded by a lock, so Handle may be called while
// traffic is running.
func (t *Transport) Handle(k Kind, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[k] = h
}

// Start begins accepting inbound connections and the background
// maintenance workers. Mirrors the Start()/loop()/quit-channel pattern
// used for other long-running components in this module.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = ln

	t.wg.Add(2)
	go t.acceptLoop()
	go t.maintenanceLoop()
	return nil
}

// Stop shuts down the listener, background workers, and all peers.
func (t *Transport) Stop() {
	close(t.quit)
	if t.listener != nil {
		t.listener.Close()
	}
	t.peers.close()
	t.wg.Wait()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
				t.log.Warn("accept failed", "err", err)
				return
			}
		}
		go t.handleInbound(conn)
	}
}

// Dial connects to a bootstrap or discovered peer at addr ("host:port")
// and performs the handshake.
func (t *Transport) Dial(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	return t.handshakeOutbound(conn)
}

func (t *Transport) handleInbound(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	if err := t.handshakeInbound(conn, reader); err != nil {
		t.log.Debug("inbound handshake failed", "addr", conn.RemoteAddr(), "err", err)
		conn.Close()
	}
}

func (t *Transport) handshakeOutbound(conn net.Conn) error {
	reader := bufio.NewReaderSize(conn, 64*1024)
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello := Message{
		Type:      KindHandshake,
		Timestamp: time.Now().Unix(),
	}
	payload, _ := json.Marshal(HandshakePayload{NodeID: t.nodeID, Port: t.listenPort})
	hello.Payload = payload
	if err := writeFrame(conn, hello); err != nil {
		return err
	}

	reply, err := readFrame(reader)
	if err != nil {
		return err
	}
	if reply.Type != KindHandshake {
		return fmt.Errorf("gossip: expected handshake reply, got %q", reply.Type)
	}
	var hp HandshakePayload
	if err := json.Unmarshal(reply.Payload, &hp); err != nil {
		return err
	}
	return t.adoptPeer(conn, reader, hp)
}

func (t *Transport) handshakeInbound(conn net.Conn, reader *bufio.Reader) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	msg, err := readFrame(reader)
	if err != nil {
		return err
	}
	if msg.Type != KindHandshake {
		return fmt.Errorf("gossip: expected handshake, got %q", msg.Type)
	}
	var hp HandshakePayload
	if err := json.Unmarshal(msg.Payload, &hp); err != nil {
		return err
	}

	reply := Message{Type: KindHandshake, Timestamp: time.Now().Unix()}
	payload, _ := json.Marshal(HandshakePayload{NodeID: t.nodeID, Port: t.listenPort})
	reply.Payload = payload
	if err := writeFrame(conn, reply); err != nil {
		return err
	}
	return t.adoptPeer(conn, reader, hp)
}

func (t *Transport) adoptPeer(conn net.Conn, reader *bufio.Reader, hp HandshakePayload) error {
	if hp.NodeID == t.nodeID {
		conn.Close()
		return fmt.Errorf("gossip: refusing to connect to self")
	}
	p := newPeer(conn, hp.NodeID, hp.Port)
	if err := t.peers.register(p); err != nil {
		conn.Close()
		return err
	}
	t.log.Info("peer connected", "id", hp.NodeID, "addr", conn.RemoteAddr())
	t.wg.Add(1)
	go t.readLoop(p, reader)
	return nil
}

func (t *Transport) readLoop(p *Peer, reader *bufio.Reader) {
	defer t.wg.Done()
	defer func() {
		t.peers.unregister(p.ID)
		t.log.Info("peer disconnected", "id", p.ID)
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.log.Debug("malformed message", "peer", p.ID, "err", err)
			continue
		}
		p.touchLastSeen()
		t.dispatch(p, msg)
	}
}

func (t *Transport) dispatch(from *Peer, msg Message) {
	switch msg.Type {
	case KindPing:
		t.handlePing(from, msg)
		return
	case KindPong:
		t.handlePong(from, msg)
		return
	}

	if msg.MessageID != "" {
		if t.seen.observe(msg.MessageID) {
			return // already processed/relayed
		}
	}

	relay := true
	t.mu.RLock()
	h := t.handlers[msg.Type]
	t.mu.RUnlock()
	if h != nil {
		relay = h(from, msg)
	}

	if relay && isRelayable(msg.Type) {
		t.relay(from, msg)
	}
}

func (t *Transport) handlePing(from *Peer, msg Message) {
	pong := Message{Type: KindPong, PingID: msg.PingID, Timestamp: time.Now().Unix()}
	from.Send(pong)
}

func (t *Transport) handlePong(from *Peer, msg Message) {
	from.recordPong(msg.PingID)
}

// relay forwards msg to up to its kind's fanout, decrementing hopsLeft,
// excluding the peer it arrived from. Messages whose hopsLeft has
// reached zero are not relayed further (spec.md §4.3/§6).
func (t *Transport) relay(from *Peer, msg Message) {
	if msg.HopsLeft <= 0 {
		return
	}
	out := msg
	out.HopsLeft = msg.HopsLeft - 1

	excludeID := ""
	if from != nil {
		excludeID = from.ID
	}
	targets := t.peers.relayTargets(excludeID, DefaultFanoutFor(msg.Type))
	for _, p := range targets {
		if err := p.Send(out); err != nil {
			t.log.Debug("relay send failed", "peer", p.ID, "err", err)
		}
	}
}

// Broadcast emits a freshly originated message (not a relay of an
// inbound one) to up to fanout peers, stamping a fresh message id and
// the kind's default hop budget.
func (t *Transport) Broadcast(kind Kind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{
		Type:      kind,
		Payload:   raw,
		MessageID: uuid.New().String(),
		HopsLeft:  DefaultHopsFor(kind),
		Timestamp: time.Now().Unix(),
	}
	t.seen.observe(msg.MessageID)

	for _, p := range t.peers.relayTargets("", DefaultFanoutFor(kind)) {
		if err := p.Send(msg); err != nil {
			t.log.Debug("broadcast send failed", "peer", p.ID, "err", err)
		}
	}
	return nil
}

// SendTo delivers a point-to-point message (handshake/ping/pong/query/
// query_response) directly to one peer, bypassing relay.
func (t *Transport) SendTo(peerID string, msg Message) error {
	p := t.peers.peer(peerID)
	if p == nil {
		return ErrPeerNotRegistered
	}
	return p.Send(msg)
}

func (t *Transport) maintenanceLoop() {
	defer t.wg.Done()
	heartbeat := time.NewTicker(heartbeatPeriod)
	sweep := time.NewTicker(sweepInterval)
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-heartbeat.C:
			t.sendHeartbeats()
		case <-sweep.C:
			t.seen.sweep()
		case <-t.quit:
			return
		}
	}
}

func (t *Transport) sendHeartbeats() {
	for _, p := range t.peers.all() {
		p.expireStalePings(pongGracePeriod)
		pingID := uuid.New().String()
		p.recordPing(pingID)
		p.Send(Message{Type: KindPing, PingID: pingID, Timestamp: time.Now().Unix()})
	}
}

// PeerCount reports the number of currently connected peers.
func (t *Transport) PeerCount() int { return t.peers.len() }

func writeFrame(conn net.Conn, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = conn.Write(raw)
	return err
}

func readFrame(reader *bufio.Reader) (Message, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListenPortString is a convenience for config wiring.
func ListenPortString(port int) string { return strconv.Itoa(port) }
