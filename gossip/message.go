// Package gossip implements the line-delimited JSON over TCP transport
// described in spec.md §4.3 and §6: handshake, bounded-fanout relay,
// seen-set deduplication, and RTT-ranked peer selection.
package gossip

import "encoding/json"

// Kind is the closed enum of wire message types named in spec.md §6,
// replacing the "dynamic event emitter with string topics" flagged in
// Design Notes §9 with an enumerated dispatch table.
type Kind string

const (
	KindHandshake      Kind = "handshake"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
	KindCapsule        Kind = "capsule"
	KindTask           Kind = "task"
	KindTaskBid        Kind = "task_bid"
	KindTaskAssigned   Kind = "task_assigned"
	KindTaskCompleted  Kind = "task_completed"
	KindTaskFailed     Kind = "task_failed"
	KindTaskLike       Kind = "task_like"
	KindTx             Kind = "tx"
	KindTxLog          Kind = "tx_log"
	KindTxLogRequest   Kind = "tx_log_request"
	KindTxLogBatch     Kind = "tx_log_batch"
	KindLedgerHeadReq  Kind = "ledger_head_request"
	KindLedgerHeadResp Kind = "ledger_head_response"
	KindQuery          Kind = "query"
	KindQueryResponse  Kind = "query_response"
)

// nonRelayed lists the kinds that never relay (handshake, ping/pong,
// query, query_response are point-to-point; spec.md §4.3).
var nonRelayed = map[Kind]bool{
	KindHandshake:      true,
	KindPing:           true,
	KindPong:           true,
	KindQuery:          true,
	KindQueryResponse:  true,
}

func isRelayable(k Kind) bool { return !nonRelayed[k] }

// taskKinds get the task fanout/hop defaults (spec.md §6).
var taskKinds = map[Kind]bool{
	KindTask:          true,
	KindTaskBid:       true,
	KindTaskAssigned:  true,
	KindTaskCompleted: true,
	KindTaskFailed:    true,
	KindTaskLike:      true,
}

func isTaskKind(k Kind) bool { return taskKinds[k] }

// Default fanout and hop-count values, per spec.md §6.
const (
	DefaultFanoutGeneral = 6
	DefaultFanoutTask    = 8
	DefaultHopsGeneral   = 3
	DefaultHopsTask      = 4
)

// Message is the wire envelope: every line on the socket is one Message.
type Message struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	HopsLeft  int             `json:"hopsLeft,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	PingID    string          `json:"pingId,omitempty"`
}

// HandshakePayload announces a node's stable identity and listen port.
type HandshakePayload struct {
	NodeID string `json:"nodeId"`
	Port   int    `json:"port"`
}

// TxLogRequestPayload requests a catch-up batch starting after sinceSeq.
type TxLogRequestPayload struct {
	SinceSeq uint64 `json:"sinceSeq"`
	Limit    int    `json:"limit,omitempty"`
}

// DefaultHopsFor returns the starting hopsLeft for a freshly emitted
// message of kind k.
func DefaultHopsFor(k Kind) int {
	if isTaskKind(k) {
		return DefaultHopsTask
	}
	return DefaultHopsGeneral
}

// DefaultFanoutFor returns the relay fanout for kind k.
func DefaultFanoutFor(k Kind) int {
	if isTaskKind(k) {
		return DefaultFanoutTask
	}
	return DefaultFanoutGeneral
}
