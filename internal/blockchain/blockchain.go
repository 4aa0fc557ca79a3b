package blockchain

import (
	"context"
)

// Transfer is a single treasury payout. Nonce is the treasury wallet seqno
// the message is signed for.
type Transfer struct {
	Wallet  string
	Amount  uint64 // nanotons
	Nonce   uint64
	Bounce  bool
	Mode    uint8
	Comment string
}

// SignedTransfer is a serialized external message. Hash is the message hash
// and is known before anything reaches the network.
type SignedTransfer struct {
	Hash    string
	Nonce   uint64
	Payload []byte
}

type ReceiptStatus int

const (
	ReceiptUnknown ReceiptStatus = iota
	ReceiptConfirmed
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptConfirmed:
		return "confirmed"
	case ReceiptReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is what the chain currently says about a submitted transfer.
// NonceConsumed reports whether the treasury seqno has moved past the
// transfer's nonce, whichever message consumed it.
type Receipt struct {
	Status        ReceiptStatus
	NonceConsumed bool
}

// Chain is the treasury wallet as the payout path sees it.
//
// Sign failures wrap domain.ErrSignerUnavailable. Broadcast returns
// domain.ErrSubmissionRejected when the network definitively refused the
// message and domain.ErrNonceDesynchronized when the on-chain seqno is already
// past the nonce; any other Broadcast error is ambiguous.
type Chain interface {
	Address() string
	Seqno(ctx context.Context) (uint64, error)
	Sign(ctx context.Context, transfer Transfer) (SignedTransfer, error)
	Broadcast(ctx context.Context, signed SignedTransfer) error
	Status(ctx context.Context, hash string, nonce uint64) (Receipt, error)
}
