// Package chaintest provides an in-memory treasury chain for tests.
package chaintest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"faucet/internal/blockchain"
)

const TreasuryWallet = "0:7777777777777777777777777777777777777777777777777777777777777777"

// Fake signs by recording the transfer and "mines" a broadcast by moving the
// seqno past its nonce. Receipts stay unknown until SetReceipt.
type Fake struct {
	mu           sync.Mutex
	seqno        uint64
	signErr      error
	broadcastErr error
	statusErr    error
	signed       []blockchain.Transfer
	broadcasts   []blockchain.SignedTransfer
	receipts     map[string]blockchain.ReceiptStatus
}

func New(seqno uint64) *Fake {
	return &Fake{seqno: seqno, receipts: map[string]blockchain.ReceiptStatus{}}
}

func Hash(nonce uint64) string {
	return fmt.Sprintf("%064x", nonce+1)
}

func (f *Fake) Address() string {
	return TreasuryWallet
}

func (f *Fake) Seqno(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqno, nil
}

func (f *Fake) Sign(ctx context.Context, transfer blockchain.Transfer) (blockchain.SignedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return blockchain.SignedTransfer{}, f.signErr
	}
	f.signed = append(f.signed, transfer)
	return blockchain.SignedTransfer{Hash: Hash(transfer.Nonce), Nonce: transfer.Nonce, Payload: []byte(transfer.Wallet)}, nil
}

func (f *Fake) Broadcast(ctx context.Context, signed blockchain.SignedTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, signed)
	if signed.Nonce >= f.seqno {
		f.seqno = signed.Nonce + 1
	}
	return nil
}

func (f *Fake) Status(ctx context.Context, hash string, nonce uint64) (blockchain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return blockchain.Receipt{}, f.statusErr
	}
	status := f.receipts[hash]
	return blockchain.Receipt{Status: status, NonceConsumed: status != blockchain.ReceiptUnknown || f.seqno > nonce}, nil
}

func (f *Fake) SetSeqno(seqno uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqno = seqno
}

func (f *Fake) FailSign(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signErr = err
}

func (f *Fake) FailBroadcast(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastErr = err
}

func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *Fake) SetReceipt(hash string, status blockchain.ReceiptStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = status
}

// SignedNonces returns every nonce handed to Sign, sorted.
func (f *Fake) SignedNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonces := make([]uint64, len(f.signed))
	for i, transfer := range f.signed {
		nonces[i] = transfer.Nonce
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	return nonces
}

func (f *Fake) Broadcasts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

var _ blockchain.Chain = (*Fake)(nil)
