package ledger

import "errors"

// Reason is the closed taxonomy of verify() rejection reasons from
// spec.md §4.2, replacing string-typed errors per Design Notes §9.
type Reason string

const (
	ReasonOK                 Reason = ""
	ReasonMissingField       Reason = "MissingField"
	ReasonBadSignature       Reason = "BadSignature"
	ReasonFromMismatch       Reason = "FromMismatch"
	ReasonBadNonce           Reason = "BadNonce"
	ReasonInsufficientFunds  Reason = "InsufficientBalance"
	ReasonBadAmount          Reason = "BadAmount"
	ReasonNotLeader          Reason = "NotLeader"
	ReasonBadEscrowAccount   Reason = "BadEscrowAccount"
	ReasonOutOfOrder         Reason = "OutOfOrder"
	ReasonDuplicate          Reason = "DuplicateEntry"
)

// Sentinel errors wrapping a Reason, for callers that prefer errors.Is.
var (
	ErrMissingField      = errors.New("ledger: missing field")
	ErrBadSignature      = errors.New("ledger: bad signature")
	ErrFromMismatch      = errors.New("ledger: signer does not match from account")
	ErrBadNonce          = errors.New("ledger: bad nonce")
	ErrInsufficientFunds = errors.New("ledger: insufficient balance")
	ErrBadAmount         = errors.New("ledger: amount must be positive")
	ErrNotLeader         = errors.New("ledger: escrow_release must be signed by the leader")
	ErrBadEscrowAccount  = errors.New("ledger: from is not a valid escrow account")
	ErrOutOfOrder        = errors.New("ledger: entry seq is not lastSeq+1")
	ErrDuplicate         = errors.New("ledger: duplicate (seq, txId)")
)

func (r Reason) err() error {
	switch r {
	case ReasonOK:
		return nil
	case ReasonMissingField:
		return ErrMissingField
	case ReasonBadSignature:
		return ErrBadSignature
	case ReasonFromMismatch:
		return ErrFromMismatch
	case ReasonBadNonce:
		return ErrBadNonce
	case ReasonInsufficientFunds:
		return ErrInsufficientFunds
	case ReasonBadAmount:
		return ErrBadAmount
	case ReasonNotLeader:
		return ErrNotLeader
	case ReasonBadEscrowAccount:
		return ErrBadEscrowAccount
	case ReasonOutOfOrder:
		return ErrOutOfOrder
	case ReasonDuplicate:
		return ErrDuplicate
	default:
		return errors.New("ledger: " + string(r))
	}
}
